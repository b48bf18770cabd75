/*
Package servicemesh provides resilience building blocks shared across the
pipeline's outbound call sites.

Subpackages:

  - circuitbreaker: circuit breaker pattern implementation, used by the
    Dispatcher's chat sends and the Event Source Adapter's parse-error guard
*/
package servicemesh
