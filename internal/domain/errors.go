package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind — класс ошибки. По нему транспорт выбирает статус, а вызывающий решает, можно ли повторять.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindResource      ErrorKind = "resource"
	KindState         ErrorKind = "state"
	KindIntegrity     ErrorKind = "integrity"
	KindConcurrency   ErrorKind = "concurrency"
)

// Code — стабильный идентификатор отказа. Значения не переименовываются: на них завязаны клиенты.
type Code string

const (
	// Gate
	CodeIntentInvalid               Code = "INTENT_INVALID"
	CodeIntentPermitMismatch        Code = "INTENT_PERMIT_MISMATCH"
	CodePermitBudgetMismatch        Code = "PERMIT_BUDGET_MISMATCH"
	CodeAssetMismatch               Code = "ASSET_MISMATCH"
	CodePermitNotFound              Code = "PERMIT_NOT_FOUND"
	CodePermitExpired               Code = "PERMIT_EXPIRED"
	CodePermitNotYetValid           Code = "PERMIT_NOT_YET_VALID"
	CodePermitRevoked               Code = "PERMIT_REVOKED"
	CodePermitInsufficientRemaining Code = "PERMIT_INSUFFICIENT_REMAINING"
	CodePermitExhausted             Code = "PERMIT_EXHAUSTED"
	CodePermitInvalid               Code = "PERMIT_INVALID"
	CodeCounterpartyMismatch        Code = "COUNTERPARTY_MISMATCH"
	CodePurposeMismatch             Code = "PURPOSE_MISMATCH"
	CodeInvalidSignature            Code = "INVALID_SIGNATURE"
	CodeUnknownIdentity             Code = "UNKNOWN_IDENTITY"
	CodeIdentityConflict            Code = "IDENTITY_CONFLICT"
	CodeAgentFrozen                 Code = "AGENT_FROZEN"
	CodeForbidden                   Code = "FORBIDDEN"
	CodeReservedAccount             Code = "RESERVED_ACCOUNT"

	// Budget
	CodeBudgetNotFound         Code = "BUDGET_NOT_FOUND"
	CodeBudgetInvalid          Code = "BUDGET_INVALID"
	CodeBudgetHierarchyInvalid Code = "BUDGET_HIERARCHY_INVALID"
	CodeBudgetInactive         Code = "BUDGET_INACTIVE"
	CodeBudgetExceeded         Code = "BUDGET_EXCEEDED"
	CodeVelocityExceeded       Code = "VELOCITY_EXCEEDED"

	// Ledger
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
	CodeAmountOverflow      Code = "AMOUNT_OVERFLOW"
	CodeAmountUnderflow     Code = "AMOUNT_UNDERFLOW"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInvalidPosting      Code = "INVALID_POSTING"
	CodeChainBroken         Code = "CHAIN_BROKEN"

	// Escrow
	CodeEscrowNotFound    Code = "ESCROW_NOT_FOUND"
	CodeEscrowInvalid     Code = "ESCROW_INVALID"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeEscrowExpired     Code = "ESCROW_EXPIRED"
	CodeNotParticipant    Code = "NOT_PARTICIPANT"
	CodeInvalidRuling     Code = "INVALID_RULING"

	// Issuer
	CodeReserveExceeded    Code = "RESERVE_EXCEEDED"
	CodeInsufficientSupply Code = "INSUFFICIENT_SUPPLY"
	CodeIssuerHalted       Code = "ISSUER_HALTED"
	CodeIssuancePolicy     Code = "ISSUANCE_POLICY_VIOLATION"

	// Receipts
	CodeReceiptInvalid      Code = "RECEIPT_INVALID"
	CodeUntrustedSigner     Code = "UNTRUSTED_SIGNER"
	CodeFutureTimestamp     Code = "FUTURE_TIMESTAMP"
	CodeZeroAmount          Code = "ZERO_AMOUNT"
	CodeReceiptChainBroken  Code = "RECEIPT_CHAIN_BROKEN"
	CodeReceiptPersistFail  Code = "RECEIPT_PERSIST_FAILED"
	CodeReceiptHeadConflict Code = "RECEIPT_HEAD_CONFLICT"

	// Concurrency
	CodeVersionConflict Code = "VERSION_CONFLICT"
	CodeLockTimeout     Code = "LOCK_TIMEOUT"
)

var codeKinds = map[Code]ErrorKind{
	CodeIntentInvalid:               KindValidation,
	CodeIntentPermitMismatch:        KindAuthorization,
	CodePermitBudgetMismatch:        KindAuthorization,
	CodeAssetMismatch:               KindValidation,
	CodePermitNotFound:              KindValidation,
	CodePermitExpired:               KindAuthorization,
	CodePermitNotYetValid:           KindAuthorization,
	CodePermitRevoked:               KindAuthorization,
	CodePermitInsufficientRemaining: KindResource,
	CodePermitExhausted:             KindState,
	CodePermitInvalid:               KindValidation,
	CodeCounterpartyMismatch:        KindAuthorization,
	CodePurposeMismatch:             KindAuthorization,
	CodeInvalidSignature:            KindAuthorization,
	CodeUnknownIdentity:             KindAuthorization,
	CodeIdentityConflict:            KindState,
	CodeAgentFrozen:                 KindAuthorization,
	CodeForbidden:                   KindAuthorization,
	CodeReservedAccount:             KindAuthorization,

	CodeBudgetNotFound:         KindValidation,
	CodeBudgetInvalid:          KindValidation,
	CodeBudgetHierarchyInvalid: KindValidation,
	CodeBudgetInactive:         KindState,
	CodeBudgetExceeded:         KindResource,
	CodeVelocityExceeded:       KindResource,

	CodeInvalidAmount:       KindValidation,
	CodeAmountOverflow:      KindValidation,
	CodeAmountUnderflow:     KindValidation,
	CodeInsufficientBalance: KindResource,
	CodeInvalidPosting:      KindValidation,
	CodeChainBroken:         KindIntegrity,

	CodeEscrowNotFound:    KindValidation,
	CodeEscrowInvalid:     KindValidation,
	CodeInvalidTransition: KindState,
	CodeEscrowExpired:     KindState,
	CodeNotParticipant:    KindAuthorization,
	CodeInvalidRuling:     KindValidation,

	CodeReserveExceeded:    KindResource,
	CodeInsufficientSupply: KindResource,
	CodeIssuerHalted:       KindState,
	CodeIssuancePolicy:     KindAuthorization,

	CodeReceiptInvalid:      KindValidation,
	CodeUntrustedSigner:     KindAuthorization,
	CodeFutureTimestamp:     KindValidation,
	CodeZeroAmount:          KindValidation,
	CodeReceiptChainBroken:  KindIntegrity,
	CodeReceiptPersistFail:  KindIntegrity,
	CodeReceiptHeadConflict: KindConcurrency,

	CodeVersionConflict: KindConcurrency,
	CodeLockTimeout:     KindConcurrency,
}

// KindFor возвращает класс ошибки для кода. Неизвестный код считается ошибкой валидации.
func KindFor(code Code) ErrorKind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindValidation
}

// Codes возвращает все зарегистрированные коды в стабильном порядке.
func Codes() []Code {
	out := make([]Code, 0, len(codeKinds))
	for c := range codeKinds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Error — типизированный отказ ядра. Details несет контекст: какое правило, какой лимит, на сколько превышен.
type Error struct {
	Code    Code           `json:"code"`
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Kind:    KindFor(code),
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetail добавляет пару ключ-значение и возвращает ту же ошибку для цепочки вызовов.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Wrap прикрепляет первопричину (например, ошибку хранилища).
func (e *Error) Wrap(cause error) *Error {
	e.Err = cause
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает по коду, поэтому errors.Is(err, ErrPermitExpired) работает для любой инстанции с тем же кодом.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable: только конфликты версий и таймауты блокировок.
func (e *Error) Retryable() bool { return e.Kind == KindConcurrency }

// Sentinel-значения для errors.Is.
var (
	ErrPermitExpired               = NewError(CodePermitExpired, "permit expired")
	ErrPermitInsufficientRemaining = NewError(CodePermitInsufficientRemaining, "permit remaining is insufficient")
	ErrCounterpartyMismatch        = NewError(CodeCounterpartyMismatch, "counterparty not allowed by permit")
	ErrBudgetExceeded              = NewError(CodeBudgetExceeded, "budget exceeded")
	ErrVelocityExceeded            = NewError(CodeVelocityExceeded, "velocity limit exceeded")
	ErrInsufficientBalance         = NewError(CodeInsufficientBalance, "insufficient balance")
	ErrInvalidSignature            = NewError(CodeInvalidSignature, "invalid signature")
	ErrIntentPermitMismatch        = NewError(CodeIntentPermitMismatch, "intent is not bound to permit")
	ErrInvalidTransition           = NewError(CodeInvalidTransition, "invalid escrow status transition")
	ErrEscrowExpired               = NewError(CodeEscrowExpired, "escrow expired")
	ErrVersionConflict             = NewError(CodeVersionConflict, "version conflict")
	ErrLockTimeout                 = NewError(CodeLockTimeout, "lock wait timed out")
	ErrChainBroken                 = NewError(CodeChainBroken, "hash chain broken")
	ErrAmountOverflow              = NewError(CodeAmountOverflow, "amount overflow")
	ErrAmountUnderflow             = NewError(CodeAmountUnderflow, "amount underflow")
	ErrReservedAccount             = NewError(CodeReservedAccount, "account is reserved for internal use")
)

// ErrNotFound возвращают хранилища; сервисы переводят его в кодированную ошибку своего домена.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists возвращают хранилища при повторной вставке по первичному ключу.
var ErrAlreadyExists = errors.New("record already exists")

// CodeOf достает код из цепочки ошибок. Пустая строка: ошибка не из таксономии.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf достает класс ошибки из цепочки.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable сообщает, безопасно ли повторить операцию целиком.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
