package domain

import (
	"errors"
	"fmt"
)

// Infrastructure errors returned by stores, caches and transports.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")
	ErrDegraded      = errors.New("ledger journal is out of sync, restart required")
)

// ErrorKind classifies a rejected ledger call.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindState         ErrorKind = "state"
	KindPhase         ErrorKind = "phase"
	KindEconomic      ErrorKind = "economic"
)

// Error is a ledger rejection. Reason is the stable tag clients match on.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func reject(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Validation.
var (
	ErrEmptyParams             = reject(KindValidation, "empty params")
	ErrInvalidModelID          = reject(KindValidation, "invalid modelId")
	ErrUnsupportedLicense      = reject(KindValidation, "unsupported license")
	ErrInvalidExecutionStartAt = reject(KindValidation, "executionStartAt is invalid")
	ErrEmptyContent            = reject(KindValidation, "encryptedContent empty")
	ErrPriceNotPositive        = reject(KindValidation, "price must be positive.")
	ErrPriceTooLarge           = reject(KindValidation, "price must be < 2^248")
	ErrEmptyGenerator          = reject(KindValidation, "contentKeyGenerator empty")
	ErrEmptyPublicKey          = reject(KindValidation, "publicKey empty")
	ErrEmptyContentKey         = reject(KindValidation, "encryptedContentKey empty")
)

// Authorization.
var (
	ErrModelOwnerOnly = reject(KindAuthorization, "model owner only.")
	ErrSelfPurchase   = reject(KindAuthorization, "cannot purchase my models.")
	ErrSelfSend       = reject(KindAuthorization, "cannot send to me")
)

// State.
var (
	ErrTournamentNotFound = reject(KindState, "tournament_id not exists.")
	ErrModelNotFound      = reject(KindState, "modelId not exist.")
	ErrModelExists        = reject(KindState, "modelId already exists.")
	ErrPredictionNotFound = reject(KindState, "prediction not exist.")
	ErrPredictionExists   = reject(KindState, "prediction already exists.")
	ErrAlreadyPublished   = reject(KindState, "Already published.")
	ErrPurchaseNotFound   = reject(KindState, "purchase not exist.")
	ErrAlreadyPurchased   = reject(KindState, "Already purchased.")
	ErrAlreadyShipped     = reject(KindState, "Already shipped.")
	ErrAlreadyRefunded    = reject(KindState, "Already refunded.")
)

// Phase.
var (
	ErrCreatePredictionForbidden   = reject(KindPhase, "createPrediction is forbidden now")
	ErrPublishPredictionForbidden  = reject(KindPhase, "publishPrediction is forbidden now")
	ErrCreatePurchaseForbidden     = reject(KindPhase, "createPurchase is forbidden now")
	ErrShipPurchaseForbidden       = reject(KindPhase, "shipPurchase is forbidden now")
	ErrRefundPurchaseForbidden     = reject(KindPhase, "refundPurchase is forbidden now")
	ErrSendPredictionKeysForbidden = reject(KindPhase, "sendPredictionKeys is forbidden now")
)

// Economic.
var (
	ErrValueMismatch    = reject(KindEconomic, "sent eth mismatch.")
	ErrInsufficientFund = reject(KindEconomic, "insufficient balance")
)

// BatchError pins a rejection to the first offending batch item.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string { return e.Err.Error() }

func (e *BatchError) Unwrap() error { return e.Err }

// AtIndex wraps err with the position of the batch item that caused it.
func AtIndex(i int, err error) error {
	return &BatchError{Index: i, Err: err}
}

// AsRejection extracts the ledger rejection from err, if any.
func AsRejection(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Describe renders err with its batch position for logs.
func Describe(err error) string {
	var be *BatchError
	if errors.As(err, &be) {
		return fmt.Sprintf("item %d: %s", be.Index, be.Err)
	}
	return err.Error()
}
