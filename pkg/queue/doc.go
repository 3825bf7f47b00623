// Package queue defines the contract between the indexing pipeline and the
// source queue it drains.
//
// Implementations wrap an external system such as Pulsar or Kafka. The
// pipeline only relies on receive, acknowledge and negative-acknowledge
// semantics keyed by message identifier, so acknowledgements from different
// workers may arrive in any order.
//
// Every Message handed out by Receive must eventually be acknowledged or
// negatively acknowledged exactly once, or be left to the queue's own
// redelivery timeout.
package queue
