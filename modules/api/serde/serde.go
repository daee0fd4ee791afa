// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serde

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes caps request bodies read by ParseJSONRequest.
const MaxBodyBytes = 1 << 20

var ErrEmptyBody = errors.New("empty request body")

// ParseJsonBody decodes a single JSON value and rejects unknown fields and
// trailing data.
func ParseJsonBody[T any](body io.ReadCloser, valuePtr *T) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(valuePtr); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

// ParseJSONRequest reads at most MaxBodyBytes of r's body into a T.
func ParseJSONRequest[T any](w http.ResponseWriter, r *http.Request) (T, error) {
	var v T
	err := ParseJsonBody(http.MaxBytesReader(w, r.Body, MaxBodyBytes), &v)
	return v, err
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
