package email

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"

	"MailPacer/internal/models"
)

// PermanentError is a send failure that will not succeed on retry.
type PermanentError struct {
	Code string
	Err  error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// TransientError is a send failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Permanent(code string, err error) error {
	return &PermanentError{Code: code, Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ErrorCode returns the code recorded for err.
func ErrorCode(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	if IsPermanent(err) {
		return models.CodePermanent
	}
	return models.CodeSendFailed
}

// Classify wraps a raw SMTP or network error as permanent or transient.
// Unrecognized errors are transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		pe *PermanentError
		te *TransientError
	)
	if errors.As(err, &pe) || errors.As(err, &te) {
		return err
	}

	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch {
		case tp.Code == 530 || tp.Code == 534 || tp.Code == 535:
			return &PermanentError{Code: models.CodeAuthFailed, Err: err}
		case tp.Code == 553 || tp.Code == 501:
			return &PermanentError{Code: models.CodeInvalidAddress, Err: err}
		case tp.Code >= 500:
			return &PermanentError{Code: models.CodeRejected, Err: err}
		default:
			return &TransientError{Err: err}
		}
	}

	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.As(err, &ne):
		return &TransientError{Err: err}
	}

	// gomail refuses to send credentials over plaintext; only a config
	// change fixes that.
	if strings.Contains(err.Error(), "unencrypted connection") {
		return &PermanentError{Code: models.CodeAuthFailed, Err: err}
	}
	return &TransientError{Err: err}
}
