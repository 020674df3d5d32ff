// Package streambus is the reliable event bus connecting the platform's
// management, trading, backtesting and FreqAI services over an append-only
// log store (Redis Streams in production, an in-memory log for tests). It
// wires the stream catalog, envelope codec, publisher, competing consumer
// groups, retry sweeping, dead-letter escalation and health reporting into a
// single Bus handle.
//
// Streams are named producer:consumer:purpose and registered up front; a
// publish to an unregistered stream fails rather than silently creating one.
// Delivery is at-least-once: handlers must be idempotent, because redelivery
// after a crash-before-ack is normal operation. A failing entry is retried
// with exponential backoff up to the attempt ceiling and then moved to the
// stream's :dead sibling with its failure reason and retry count attached.
//
// A minimal setup fills Config, creates a Bus with New (or Open to dial
// Redis directly), registers one handler per logical message type, calls
// Start per consumed stream and then Run:
//
//	bus, err := streambus.Open(conf, logger, streambus.Dependencies{})
//	if err != nil { ... }
//	defer bus.Close()
//
//	bus.RegisterHandler("START_BOT", startBot)
//	bus.Start(ctx, "mgmt:trading:commands", "trading_consumers", hostname)
//	bus.Run(ctx)
//
// Producers publish through the same handle; WithCorrelationID links a
// command to its eventual result on a paired result stream. RegisterSchema
// attaches typed payload validation per logical type, and Health exposes a
// cached snapshot of stream depths, group lag and dead-letter growth for
// readiness probes.
package streambus
