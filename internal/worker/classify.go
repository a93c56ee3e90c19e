package worker

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/shaiso/consilium/internal/domain"
)

// classifyStatus относит HTTP-код ответа к таксономии ошибок.
func classifyStatus(code int) domain.ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.ErrorKindRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.ErrorKindAuthFailure
	case code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout:
		return domain.ErrorKindTimeout
	case code >= 500:
		return domain.ErrorKindUpstream
	default:
		return domain.ErrorKindOther
	}
}

// classifyError относит инфраструктурную ошибку к таксономии.
func classifyError(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorKindTimeout
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return domain.ErrorKindUpstream
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.ErrorKindTimeout
		}
		return domain.ErrorKindDataFetch
	}

	return domain.ErrorKindOther
}
