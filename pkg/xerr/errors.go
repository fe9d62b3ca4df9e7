package xerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Generic codes.
const (
	OK                 = 200
	RequestParamsError = 400
	Unauthorized       = 401
	RecordNotFound     = 404
	ServerCommonError  = 500
	DbError            = 501
)

// Workflow codes. The 1xxx range is recoverable by the caller, 2xxx is a
// rejected request, 3xxx comes from provisioning.
const (
	InsufficientFunds     = 1001
	InvalidState          = 1002
	ConfirmationConflict  = 1003
	UnsupportedPair       = 2001
	IntentExpired         = 2002
	InvalidAttestation    = 2003
	TxHashReused          = 2004
	InvalidAmount         = 2005
	RetryableProvisioning = 3001
	FatalProvisioning     = 3002
)

// CodeError is the error type every service returns to its callers. State
// carries the authoritative entity (order, intent, ...) at the time of failure.
type CodeError struct {
	Code  int         `json:"code"`
	Msg   string      `json:"msg"`
	Cause error       `json:"-"`
	State interface{} `json:"-"`
}

func (e *CodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Cause }

// Is matches on code so errors.Is(err, xerr.ErrInsufficientFunds) works for
// any CodeError carrying that code.
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInsufficientFunds     = &CodeError{Code: InsufficientFunds}
	ErrInvalidState          = &CodeError{Code: InvalidState}
	ErrConfirmationConflict  = &CodeError{Code: ConfirmationConflict}
	ErrUnsupportedPair       = &CodeError{Code: UnsupportedPair}
	ErrIntentExpired         = &CodeError{Code: IntentExpired}
	ErrInvalidAttestation    = &CodeError{Code: InvalidAttestation}
	ErrTxHashReused          = &CodeError{Code: TxHashReused}
	ErrInvalidAmount         = &CodeError{Code: InvalidAmount}
	ErrRetryableProvisioning = &CodeError{Code: RetryableProvisioning}
	ErrFatalProvisioning     = &CodeError{Code: FatalProvisioning}
	ErrNotFound              = &CodeError{Code: RecordNotFound}
	ErrParams                = &CodeError{Code: RequestParamsError}
)

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap attaches a code and message to cause.
func Wrap(cause error, code int, msg string) error {
	return &CodeError{Code: code, Msg: msg, Cause: cause}
}

// WithState returns a copy of err (or a new server error) carrying state.
func WithState(err error, state interface{}) error {
	if err == nil {
		return nil
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		cp := *ce
		cp.State = state
		return &cp
	}
	return &CodeError{Code: ServerCommonError, Msg: MapErrMsg(ServerCommonError), Cause: err, State: state}
}

// CodeOf returns the code of the first CodeError in the chain, or ServerCommonError.
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// StateOf returns the state attached to err, if any.
func StateOf(err error) interface{} {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.State
	}
	return nil
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "internal error"
	case RequestParamsError:
		return "invalid parameters"
	case Unauthorized:
		return "unauthorized"
	case DbError:
		return "database busy"
	case RecordNotFound:
		return "record not found"
	case InsufficientFunds:
		return "insufficient funds, top up the balance"
	case InvalidState:
		return "operation not allowed in the current state"
	case ConfirmationConflict:
		return "a different confirmation was already accepted"
	case UnsupportedPair:
		return "chain/token combination is not supported"
	case IntentExpired:
		return "deposit intent expired"
	case InvalidAttestation:
		return "invalid attestation"
	case TxHashReused:
		return "transaction already used by another deposit"
	case InvalidAmount:
		return "invalid amount"
	case RetryableProvisioning:
		return "provisioning step failed, retry later"
	case FatalProvisioning:
		return "provisioning failed"
	default:
		return "unknown error"
	}
}

// HTTPStatus maps a code to the status the API answers with.
func HTTPStatus(code int) int {
	switch code {
	case OK:
		return http.StatusOK
	case RequestParamsError, InvalidAmount, InvalidAttestation:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case RecordNotFound:
		return http.StatusNotFound
	case InsufficientFunds:
		return http.StatusPaymentRequired
	case InvalidState, ConfirmationConflict, TxHashReused:
		return http.StatusConflict
	case UnsupportedPair:
		return http.StatusUnprocessableEntity
	case IntentExpired:
		return http.StatusGone
	case RetryableProvisioning:
		return http.StatusServiceUnavailable
	case FatalProvisioning:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
