package signup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/edgehub/internal/auth"
	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/observability"
	"github.com/rs/zerolog"
)

// Registrar ensures exactly one hub record exists per device identifier.
type Registrar struct {
	registry hub.Registry
	logger   zerolog.Logger
}

// NewRegistrar returns a Registrar backed by registry.
func NewRegistrar(registry hub.Registry, logger zerolog.Logger) *Registrar {
	return &Registrar{registry: registry, logger: logger}
}

// EnsureRegistered creates the device record, or fetches it when the
// registry reports it already exists. Every other failure is fatal and
// wrapped in ErrRegistrationFailed.
func (r *Registrar) EnsureRegistered(ctx context.Context, id string) (hub.DeviceRecord, error) {
	id = strings.TrimSpace(id)
	if err := hub.ValidateDeviceID(id); err != nil {
		observability.RecordRegistration(observability.OutcomeFailed)
		return hub.DeviceRecord{}, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	outcome := observability.OutcomeCreated
	rec, err := r.registry.AddDevice(ctx, id)
	if errors.Is(err, hub.ErrDeviceExists) {
		outcome = observability.OutcomeExisting
		rec, err = r.registry.GetDevice(ctx, id)
	}
	if err != nil {
		observability.RecordRegistration(observability.OutcomeFailed)
		r.logger.Error().Err(err).Str("device_id", id).Msg("signup.Registrar.EnsureRegistered failed")
		return hub.DeviceRecord{}, fmt.Errorf("%w: device_id=%q: %w", ErrRegistrationFailed, id, err)
	}
	if rec.ID != id || rec.Auth.PrimaryKey == "" {
		observability.RecordRegistration(observability.OutcomeFailed)
		return hub.DeviceRecord{}, fmt.Errorf("%w: device_id=%q: incomplete record", ErrRegistrationFailed, id)
	}

	observability.RecordRegistration(outcome)
	r.logger.Info().
		Str("device_id", rec.ID).
		Str("outcome", outcome).
		Str("key_fp", auth.Fingerprint(rec.Auth.PrimaryKey)).
		Msg("signup.Registrar.EnsureRegistered")
	return rec, nil
}
