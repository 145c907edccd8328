/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gatelimit/gatelimit/log"
)

// ContentTypeAppJSON is the content type of JSON responses.
const ContentTypeAppJSON = "application/json"

const internalErrCode = "internalError"

var errPolicyNotDefined = errors.New("policy is not defined")

// RejectionResponse is the JSON body of rejection (and middleware error) responses.
type RejectionResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`

	// RetryAfter is the estimation in whole seconds of when the next attempt
	// may succeed. Zero means no estimation is available.
	RetryAfter int64 `json:"retryAfter"`
}

// respondJSON sends the response with the passed status code
// and the object serialized to JSON in the body.
func respondJSON(rw http.ResponseWriter, statusCode int, respData interface{}, logger log.FieldLogger) {
	rw.Header().Set("Content-Type", ContentTypeAppJSON)
	rw.WriteHeader(statusCode)
	encoder := json.NewEncoder(rw)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(respData); err != nil {
		if logger != nil {
			logger.Error("error while encoding response body to JSON", log.Error(err))
		}
	}
}
