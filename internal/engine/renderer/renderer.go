// internal/engine/renderer/renderer.go
package renderer

import (
	"fmt"
	"time"

	stderrors "booking-notifier/internal/common/errors"
	"booking-notifier/internal/models"
)

// Context bundles everything a render needs. Rendering never reads mutable
// state outside it, so the same context can be rendered any number of times
// across retries with identical output.
type Context struct {
	Tenant         *models.Tenant
	Recipient      models.Recipient
	Booking        *models.Booking  // nil for digest messages
	DigestBookings []models.Booking // digest messages only
	Location       *time.Location   // tenant time zone for date/time formatting
}

// Render resolves a template spec against the context into a concrete
// outbound payload. Parameters are resolved in declared order; a missing
// binding fails the render rather than truncating the parameter list.
func Render(spec models.TemplateSpec, rctx Context) (*models.RenderedMessage, error) {
	params := make([]string, 0, len(spec.Parameters))
	for _, binding := range spec.Parameters {
		value, err := resolveBinding(binding, rctx)
		if err != nil {
			return nil, err
		}
		params = append(params, value)
	}

	return &models.RenderedMessage{
		TemplateName:      spec.TemplateName,
		LanguageCode:      spec.LanguageCode,
		OrderedParameters: params,
	}, nil
}

func resolveBinding(binding models.ParameterBinding, rctx Context) (string, error) {
	switch binding.Origin {
	case models.OriginTenantField:
		if rctx.Tenant == nil {
			return "", stderrors.NewMissingDataError(fmt.Sprintf("parameter %q: no tenant in context", binding.Name))
		}
		value, ok := rctx.Tenant.Fields[binding.Path]
		if !ok {
			return "", stderrors.NewMissingDataError(
				fmt.Sprintf("parameter %q: tenant field %q not found", binding.Name, binding.Path))
		}
		return value, nil

	case models.OriginRecipientField:
		value, ok := rctx.Recipient.Fields[binding.Path]
		if !ok {
			return "", stderrors.NewMissingDataError(
				fmt.Sprintf("parameter %q: recipient field %q not found", binding.Name, binding.Path))
		}
		return value, nil

	case models.OriginComputed:
		formula, ok := formulas[binding.Path]
		if !ok {
			// Unregistered formula names are a configuration problem, not a
			// crash: surfaced at render time so the run report can carry it.
			return "", stderrors.NewConfigurationError("",
				fmt.Sprintf("parameter %q: formula %q is not registered", binding.Name, binding.Path))
		}
		return formula(rctx)

	default:
		return "", stderrors.NewConfigurationError("",
			fmt.Sprintf("parameter %q: unknown origin %q", binding.Name, binding.Origin))
	}
}
