package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/odata-batch/pkg/batch"
	"github.com/Sternrassler/odata-batch/pkg/jsonbatch"
	"github.com/Sternrassler/odata-batch/pkg/mixed"
)

const (
	formatJSON      = "json"
	formatMultipart = "multipart"
)

// readPayload reads path, or stdin for "-".
func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

// detectFormat guesses the wire format from the first bytes of a payload.
func detectFormat(data []byte) (string, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	switch {
	case bytes.HasPrefix(trimmed, []byte("{")):
		return formatJSON, nil
	case bytes.HasPrefix(trimmed, []byte("--")):
		return formatMultipart, nil
	default:
		return "", errors.New("cannot detect payload format; use --format")
	}
}

// detectBoundary returns the boundary of the first delimiter line.
func detectBoundary(data []byte) (string, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if boundary, ok := strings.CutPrefix(line, "--"); ok && boundary != "" {
			return boundary, nil
		}
		break
	}
	return "", errors.New("no multipart boundary found; use --boundary")
}

// decodePayload decodes data in the given format ("" detects it).
func decodePayload(data []byte, format, boundary string) ([]*batch.Request, batch.Options, error) {
	if format == "" {
		var err error
		if format, err = detectFormat(data); err != nil {
			return nil, batch.Options{}, err
		}
	}

	switch format {
	case formatJSON:
		requests, err := jsonbatch.Decode(bytes.NewReader(data))
		return requests, batch.Options{Semantics: batch.SemanticsJSON}, err
	case formatMultipart:
		if boundary == "" {
			var err error
			if boundary, err = detectBoundary(data); err != nil {
				return nil, batch.Options{}, err
			}
		}
		requests, err := mixed.Decode(bytes.NewReader(data), boundary)
		return requests, batch.Options{Semantics: batch.SemanticsMultipart, Boundary: boundary}, err
	default:
		return nil, batch.Options{}, fmt.Errorf("unknown format %q (want %s or %s)", format, formatJSON, formatMultipart)
	}
}
