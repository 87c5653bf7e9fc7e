package route

import (
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

type handlerError struct {
	// err is the error that we're throwing
	err error
	// msg is the human-readable context with which we're throwing the error
	msg string
	// status is the HTTP status code we should return
	status int
	// detailed is whether the err itself should be included in the msg response
	detailed bool
	// friendly is whether the msg can be returned as is or if we should use a
	// generic error
	friendly bool
}

var ErrGenericMessage = "unexpected error!"

var (
	ErrJSONFailed      = handlerError{nil, "failed to parse JSON", http.StatusBadRequest, false, true}
	ErrJSONBuildFailed = handlerError{nil, "failed to build JSON response", http.StatusInternalServerError, false, true}
	ErrPostBody        = handlerError{nil, "failed to read request body", http.StatusBadRequest, true, true}
	ErrParseHit        = handlerError{nil, "failed to parse hit", http.StatusBadRequest, true, true}
	ErrBatchTooLarge   = handlerError{nil, "too many hits in batch", http.StatusRequestEntityTooLarge, true, true}
	ErrUnknownProperty = handlerError{nil, "unknown property", http.StatusNotFound, true, true}
	ErrSendFailed      = handlerError{nil, "failed to track hit", http.StatusBadRequest, true, true}
	ErrDispatchTimeout = handlerError{nil, "dispatch did not finish", http.StatusGatewayTimeout, true, true}
	ErrSettingsFailed  = handlerError{nil, "failed to persist setting", http.StatusInternalServerError, true, true}
	ErrUnknownFormat   = handlerError{nil, "unknown format", http.StatusBadRequest, true, true}
	ErrMarshalFailed   = handlerError{nil, "failed to marshal response", http.StatusInternalServerError, false, true}
	ErrCaughtPanic     = handlerError{nil, "caught panic", http.StatusInternalServerError, false, false}
)

func (r *Router) handlerReturnWithError(w http.ResponseWriter, he handlerError, err error) {
	if err != nil {
		he.err = err
	} else {
		he.err = fmt.Errorf("%s", he.msg)
	}
	r.Metrics.Increment("router_rejected")
	r.Logger.Error().WithField("status", he.status).WithString("error", he.err.Error()).Logf("returning error: %s", he.msg)

	errmsg := he.msg
	if he.detailed {
		errmsg = he.msg + ": " + he.err.Error()
	}
	if !he.friendly {
		errmsg = ErrGenericMessage
	}
	body, _ := jsoniter.Marshal(collectResponse{Status: he.status, Error: errmsg})
	w.WriteHeader(he.status)
	w.Write(body)
}
