package controllers

import (
	"errors"

	"coreflow-backend/apperr"
	"coreflow-backend/billing"
	"coreflow-backend/config"
	"coreflow-backend/eventstore"
	"coreflow-backend/idempotency"
	"coreflow-backend/saga"
	"coreflow-backend/webhooks"
)

// Handler carries the services used by routes that do more than tenant-scoped CRUD.
type Handler struct {
	Billing     *billing.Service
	Sagas       *saga.Coordinator
	Webhooks    *webhooks.Service
	Sweeper     *webhooks.Sweeper
	Projector   *eventstore.Projector
	Idempotency *idempotency.Service
	Saga        config.Saga
}

func notFound(what string) error {
	return apperr.New(apperr.CodeNotFound, apperr.WithMessage(what+" not found"))
}

// storeError maps store sentinels onto response errors.
func storeError(what string, err error) error {
	switch {
	case errors.Is(err, webhooks.ErrNotFound), errors.Is(err, saga.ErrNotFound):
		return notFound(what)
	case errors.Is(err, webhooks.ErrConcurrentUpdate), errors.Is(err, saga.ErrConcurrentUpdate):
		return apperr.New(apperr.CodeVersionConflict, apperr.WithMessage(what+" changed concurrently"), apperr.WithCause(err))
	case errors.Is(err, saga.ErrInvalidTransition):
		return apperr.New(apperr.CodeInvalid, apperr.WithHTTP(409), apperr.WithMessage(err.Error()))
	}
	return err
}
