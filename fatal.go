package sockjam

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// IsFatalError classifies client-reported errors during the induced failure
// window. Connectivity errors are expected while the harness is degrading
// the link, so transport failures, all-brokers-down, authentication errors
// and request timeouts are treated as recoverable; the client should keep
// retrying instead of aborting the run.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}

	fatal := true
	switch {
	case errors.Is(err, ErrTransport),
		errors.Is(err, ErrAllBrokersDown),
		errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrRequestTimedOut):
		fatal = false
	}

	logrus.WithFields(logrus.Fields{
		"function": "IsFatalError",
		"error":    err.Error(),
		"fatal":    fatal,
	}).Debug("Classified client error")

	return fatal
}
