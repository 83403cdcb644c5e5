// Package queue carries the IDs of hired jobs whose payment hold still has to
// be watched. Memory, Redis and RabbitMQ backends share one interface.
package queue
