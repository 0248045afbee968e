// Package app composes the gateway's services into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── order/          # Submitted orders and their states
//	│   ├── pool/           # Pools, outcomes, and result sets
//	│   ├── token/          # Scoped access tokens and decisions
//	│   └── user/           # Gateway users
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (OrderStore, PoolStore, ...)
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── httpapi/            # REST handlers for orders, pools, and tokens
//	├── services/           # Business logic
//	│   ├── orders/         # Order intake
//	│   ├── pipeline/       # Scheduler, builder, processor, publisher
//	│   ├── pools/          # Pool and result reads
//	│   ├── tokens/         # Token authority
//	│   └── users/          # Registration and authentication
//	└── system/             # Service lifecycle management
//
// The app package owns composition only: it wires stores into services and
// registers long-running services with the lifecycle manager. Business rules
// live under internal/app/services/; cmd/gateway owns the HTTP server, auth
// middleware, and process lifecycle.
package app
