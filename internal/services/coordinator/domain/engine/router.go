package engine

import (
	"context"
	"fmt"
	"sort"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// BusinessLogic decides what a command means for an aggregate. It owns the
// payload schema; the coordinator never inspects payloads.
type BusinessLogic interface {
	Handle(ctx context.Context, command book.ContextualCommand) (book.BusinessResponse, error)
}

// BusinessLogicFunc adapts a function to BusinessLogic.
type BusinessLogicFunc func(ctx context.Context, command book.ContextualCommand) (book.BusinessResponse, error)

// Handle implements BusinessLogic.
func (f BusinessLogicFunc) Handle(ctx context.Context, command book.ContextualCommand) (book.BusinessResponse, error) {
	return f(ctx, command)
}

// Router resolves business logic by domain.
type Router map[string]BusinessLogic

// Resolve returns the business logic registered for domain.
func (r Router) Resolve(domain string) (BusinessLogic, error) {
	logic, ok := r[domain]
	if !ok || logic == nil {
		return nil, apperrors.WithMetadata(
			apperrors.CodeDomainUnknown,
			fmt.Sprintf("no business logic registered for domain %q", domain),
			map[string]string{"domain": domain},
		)
	}
	return logic, nil
}

// Domains returns the routed domains in sorted order.
func (r Router) Domains() []string {
	domains := make([]string, 0, len(r))
	for domain := range r {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}
