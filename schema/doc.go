// Package schema provides JSON-schema-style validation for message bodies.
//
// Schemas are registered once at startup under a stable name; publishers
// validate outgoing messages before they reach the wire and consumers look
// up the schema named in the delivery headers to validate inbound bodies
// and resolve message severity.
package schema
