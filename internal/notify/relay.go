/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/packpool/packpool/internal/controlplane/events"
)

// Relay subscribes to the fleet event bus and forwards noteworthy events to
// the notification router. Routine chatter (progress, heartbeats) is never
// forwarded.
type Relay struct {
	bus    *events.Bus
	router *Router
	log    logr.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay. Call Start to begin forwarding.
func NewRelay(bus *events.Bus, router *Router, log logr.Logger) *Relay {
	return &Relay{bus: bus, router: router, log: log}
}

// Start begins consuming bus events until Stop is called.
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	ch := r.bus.Subscribe("notify-relay")

	go func() {
		defer close(r.done)
		defer r.bus.Unsubscribe("notify-relay")
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if msg, relevant := toMessage(evt); relevant {
					sendCtx, sendCancel := context.WithTimeout(ctx, 15*time.Second)
					r.router.Notify(sendCtx, msg)
					sendCancel()
				}
			}
		}
	}()
	r.log.Info("notification relay started")
}

// Stop halts forwarding and waits for the consumer to exit.
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// toMessage maps a fleet event to a notification, reporting false for event
// types that should not leave the control plane.
func toMessage(evt events.Event) (Message, bool) {
	var severity, title string
	switch evt.Type {
	case events.OperationFailed:
		severity, title = "critical", "sync operation failed"
	case events.EndpointOffline:
		severity, title = "warning", "endpoint went offline"
	case events.EndpointRemoved:
		severity, title = "warning", "endpoint removed"
	case events.OperationCancelled:
		severity, title = "info", "sync operation cancelled"
	case events.TargetChanged:
		severity, title = "info", "pool target changed"
	case events.AnalysisCompleted:
		severity, title = "info", "compatibility analysis completed"
	default:
		return Message{}, false
	}

	body := evt.Summary
	if body == "" {
		body = fmt.Sprintf("event %s", evt.Type)
	}
	return Message{
		EndpointID: evt.EndpointID,
		PoolID:     evt.PoolID,
		Severity:   severity,
		Title:      title,
		Body:       body,
		Timestamp:  evt.Timestamp,
	}, true
}
