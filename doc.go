// Package callwatch is the root of the callwatch module, an incoming-call
// watcher for Asterisk PBX deployments. It maintains a manager-interface
// session, correlates ring events for one watched extension into
// deduplicated notifications, accepts trusted call pushes over an HTTP
// webhook, and fans notifications out to logs, NATS, and a WebSocket feed.
//
// See cmd/callwatch for the runnable service.
package callwatch
