package auth

import (
	"context"
	"strings"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/db"
)

// Require checks that p holds every code. It never touches storage, so it can
// run before any tenant data is read.
func Require(p *Principal, codes ...Permission) error {
	if p == nil {
		return apperr.New(apperr.Unauthenticated, "no resolved caller")
	}
	var missing []string
	for _, c := range codes {
		if !p.Has(c) {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		return apperr.Newf(apperr.Forbidden, "missing permission: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Authorize runs Require and pins the data scope of ctx to the caller's
// tenant, so repositories reached through the returned context can only see
// that tenant's rows.
func Authorize(ctx context.Context, p *Principal, codes ...Permission) (context.Context, error) {
	if err := Require(p, codes...); err != nil {
		return ctx, err
	}
	return db.WithTenant(ctx, p.TenantID()), nil
}

// RequirePlatformAdmin gates the platform surface, which bypasses tenant
// resolution entirely.
func RequirePlatformAdmin(id Identity) error {
	if !id.PlatformAdmin {
		return apperr.New(apperr.Forbidden, "platform admin required")
	}
	return nil
}
