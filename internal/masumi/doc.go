// Package masumi is a client for the Masumi payment service.
//
// It opens payment holds for agent jobs, polls their on-chain state until the
// purchaser's funds are locked, and submits result hashes once a job is done.
// Every failure is reported as one of a closed set of kinds; see KindOf.
package masumi
