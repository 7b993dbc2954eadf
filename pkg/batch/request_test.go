package batch

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		wantID string
		rest   string
		ok     bool
	}{
		{"plain reference", "$1", "1", "", true},
		{"leading slash", "/$1/Items", "1", "/Items", true},
		{"navigation", "$new-book/Author", "new-book", "/Author", true},
		{"query", "$a.b~c_d?$select=Name", "a.b~c_d", "?$select=Name", true},
		{"not a reference", "/Books(1)", "", "", false},
		{"reserved batch", "$batch", "", "", false},
		{"reserved metadata", "/$metadata#Books", "", "", false},
		{"reserved entity", "$entity?$id=Books(1)", "", "", false},
		{"invalid token", "$a+b/Items", "", "", false},
		{"empty token", "$/Items", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, rest, ok := ParseReference(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.wantID, id)
			if ok {
				assert.Equal(t, tt.rest, rest)
			}
		})
	}
}

func TestResolveReference(t *testing.T) {
	assert.Equal(t, "/Entities(1)/SomeNav", ResolveReference("$X/SomeNav", "/Entities(1)"))
	assert.Equal(t, "/Entities(1)/SomeNav", ResolveReference("$X/SomeNav", "/Entities(1)/"))
	assert.Equal(t, "http://host/svc/Books(7)?$expand=Author",
		ResolveReference("$b?$expand=Author", "http://host/svc/Books(7)"))
	assert.Equal(t, "/Books", ResolveReference("/Books", "/Entities(1)"))
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("abc-DEF.0~_"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("a b"))
	assert.False(t, ValidID("ä"))
}

func TestRequestClone(t *testing.T) {
	orig := &Request{
		ID:        "1",
		Method:    http.MethodPost,
		URL:       "$0/Items",
		Header:    http.Header{"Content-Type": {"application/json"}},
		Body:      []byte(`{"a":1}`),
		DependsOn: []string{"0"},
	}

	c := orig.Clone()
	c.URL = "/Books(1)/Items"
	c.Header.Set("Content-Type", "text/plain")
	c.Body[0] = '['
	c.DependsOn[0] = "x"

	assert.Equal(t, "$0/Items", orig.URL)
	assert.Equal(t, "application/json", orig.Header.Get("Content-Type"))
	assert.Equal(t, `{"a":1}`, string(orig.Body))
	assert.Equal(t, []string{"0"}, orig.DependsOn)

	empty := (&Request{ID: "2"}).Clone()
	assert.NotNil(t, empty.Header)
}

func TestIsChange(t *testing.T) {
	assert.False(t, (&Request{Method: "get"}).IsChange())
	assert.False(t, (&Request{Method: http.MethodHead}).IsChange())
	assert.True(t, (&Request{Method: http.MethodPatch}).IsChange())
	assert.True(t, (&Request{Method: http.MethodDelete}).IsChange())
}

func TestIsFailureStatus(t *testing.T) {
	assert.False(t, IsFailureStatus(200))
	assert.False(t, IsFailureStatus(399))
	assert.True(t, IsFailureStatus(400))
	assert.True(t, IsFailureStatus(599))
	assert.False(t, IsFailureStatus(600))
}
