// Package contracts defines the message types and severity levels shared
// by publishers, consumers, and the schema registry.
package contracts
