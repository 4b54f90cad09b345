// Package reliability provides the retry and backoff primitives shared by
// the connection manager and the publisher.
package reliability
