package batch

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(status int, location string) *Response {
	h := http.Header{}
	if location != "" {
		h.Set("Location", location)
	}
	return &Response{StatusCode: status, Header: h}
}

func TestNewExecution(t *testing.T) {
	ex, err := NewExecution([]*Request{req("1", "g"), req("2", ""), req("3", "g")}, Options{})
	require.NoError(t, err)

	assert.NotEmpty(t, ex.ID())
	assert.Equal(t, SemanticsJSON, ex.Semantics())
	assert.Equal(t, 3, ex.Len())
	assert.Equal(t, []string{"g"}, ex.Groups())
	assert.Equal(t, []string{"1", "3"}, ex.GroupMembers("g"))
	assert.True(t, ex.IsGroup("g"))
	assert.False(t, ex.IsGroup("1"))

	_, err = NewExecution([]*Request{req("1", ""), req("1", "")}, Options{})
	assert.ErrorIs(t, err, ErrDeserialization)

	_, err = NewExecution([]*Request{req("g", ""), req("1", "g")}, Options{})
	assert.ErrorIs(t, err, ErrDeserialization)
}

func TestExecutionRecord(t *testing.T) {
	ex, err := NewExecution([]*Request{req("1", ""), req("2", "g"), req("3", "")}, Options{})
	require.NoError(t, err)

	r1, _ := ex.Request("1")
	r2, _ := ex.Request("2")
	r3, _ := ex.Request("3")

	ex.record(r1, response(http.StatusCreated, "/Books(1)"))
	ex.record(r2, response(http.StatusConflict, "/ignored"))
	ex.record(r3, response(http.StatusNotFound, ""))

	loc, ok := ex.Location("1")
	assert.True(t, ok)
	assert.Equal(t, "/Books(1)", loc)
	_, ok = ex.Location("2")
	assert.False(t, ok, "failed responses must not record a location")

	failed, groupErr := ex.GroupFailed("g")
	assert.True(t, failed)
	assert.NoError(t, groupErr)

	failed, _ = ex.GroupFailed("")
	assert.False(t, failed, "status failures of ungrouped requests do not fail the bucket")
	assert.Equal(t, []Failure{{RequestID: "3", StatusCode: http.StatusNotFound}}, ex.FailedRequests(""))
	assert.True(t, ex.RequestFailed("2"))
	assert.Nil(t, ex.FirstError())

	responses := ex.Responses()
	require.Len(t, responses, 3)
	assert.Equal(t, "2", responses[1].RequestID)
	assert.Equal(t, "g", responses[1].AtomicityGroup)
}

func TestExecutionFrameworkErrors(t *testing.T) {
	ex, err := NewExecution([]*Request{req("1", ""), req("2", "g")}, Options{})
	require.NoError(t, err)
	r1, _ := ex.Request("1")
	r2, _ := ex.Request("2")

	first := errors.New("connection reset")
	ex.recordFrameworkError(r1, first)
	ex.recordFrameworkError(r2, errors.New("timeout"))

	assert.Same(t, first, ex.FirstError())

	failed, groupErr := ex.GroupFailed("")
	assert.True(t, failed)
	assert.Same(t, first, groupErr)

	responses := ex.Responses()
	require.Len(t, responses, 2)
	assert.Equal(t, http.StatusInternalServerError, responses[0].StatusCode)
	assert.JSONEq(t, `{"error":{"code":"500","message":"internal error while processing request"}}`, string(responses[0].Body))
}

func TestExecutionResetGroup(t *testing.T) {
	ex, err := NewExecution([]*Request{req("1", "g"), req("2", "g"), req("3", "")}, Options{})
	require.NoError(t, err)
	r1, _ := ex.Request("1")
	r2, _ := ex.Request("2")
	r3, _ := ex.Request("3")

	ex.record(r1, response(http.StatusCreated, "/Books(1)"))
	ex.record(r3, response(http.StatusOK, ""))
	ex.recordFrameworkError(r2, errors.New("deadlock"))
	require.Error(t, ex.FirstError())

	ex.resetGroup("g")

	responses := ex.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "3", responses[0].RequestID)

	failed, _ := ex.GroupFailed("g")
	assert.False(t, failed)
	assert.Empty(t, ex.FailedRequests("g"))
	assert.False(t, ex.RequestFailed("2"))
	_, ok := ex.Location("1")
	assert.False(t, ok)
	assert.NoError(t, ex.FirstError())
}
