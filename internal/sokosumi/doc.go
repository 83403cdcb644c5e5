// Package sokosumi is a small REST client for the Sokosumi agent marketplace.
package sokosumi
