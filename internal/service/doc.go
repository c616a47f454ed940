// Package service assembles the agent.
//
// A Service builds the connection manager, network watcher and reporter
// from configuration, and adds the optional connection history, InfluxDB
// export and local HTTP API. Every long-running loop gets its own
// connection and signal watch, so a slow consumer only drops its own
// events.
//
// The device announces itself on the online topic: a retained
// {"online":true} after every connect, {"online":false} on a clean Stop,
// and the same payload as the broker-side last will for unclean exits.
package service
