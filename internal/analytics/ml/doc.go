// Package ml provides the numeric models behind anomaly detection: a
// standard scaler and an isolation forest.
package ml
