// Package contracts defines the JSON payloads exchanged between the portal
// controller and its workers.
//
//   - Task: a unit of work fetched from the portal and published to the work queue
//   - Response: the worker's answer, routed back to the caller's reply queue
//
// Payloads travel as the AMQP message body with content type application/json.
// Correlation and routing data live in the AMQP properties, not in the body.
package contracts
