// Package app composes the outbound SMS dispatch core.
//
// # Architecture Role
//
// The app package wires the SMPP session, the outbound queue, the delivery
// tracker, the ledger reconciler and the gateway façade into one Application
// and runs them under a single lifecycle manager. It holds no business logic
// of its own; that lives in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Pure data: messages, envelopes, receipts, ledger rows
//	├── events/             # Lifecycle event ring buffer and subscriptions
//	├── httpapi/            # HTTP handlers, receipt callback, websocket feed
//	├── metrics/            # Prometheus collectors
//	├── runtime/            # Database, Redis and HTTP server bootstrap
//	├── services/
//	│   ├── billing/        # Reservation, settlement, pricing, stale recovery
//	│   ├── dispatch/       # Bounded FIFO queue and submit window
//	│   ├── gateway/        # Send / status / receipt / health façade
//	│   ├── idempotency/    # Client idempotency keys (memory or Redis)
//	│   └── tracker/        # Submit outcome handling and receipt correlation
//	├── storage/            # Store interfaces, memory and PostgreSQL backends
//	└── system/             # Ordered start / reverse stop of services
//
// # Message Flow
//
//	HTTP POST /v1/messages
//	      │
//	      ▼
//	gateway ──► billing.Reserve (PENDING, cost reserved)
//	      │
//	      ▼
//	dispatch queue ──► billing.MarkDispatched ──► smpp session.Submit
//	                                                    │
//	                                                    ▼
//	                                     tracker.HandleSubmitResult
//	                                       │            │
//	                               SENT (tracked)   FAILED / retry
//	                                       │
//	                  deliver_sm or /v1/receipts ──► tracker.HandleReceipt
//	                                       │
//	                                       ▼
//	                              billing.Finalize (debit or release)
//
// Messages whose receipt never arrives are resolved by the tracker once the
// wait window lapses, and by the billing recovery sweep after a restart.
//
// # Lifecycle
//
// Services start in the order session, queue, tracker, recovery scheduler
// and stop in reverse, so in-flight submits drain while the session is still
// bound.
package app
