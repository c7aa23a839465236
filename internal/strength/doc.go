// Package strength holds the sector/stock strength workflows that run in
// the background: the task handlers for bulk data and recomputation work,
// and the recurring jobs that feed them. Numeric algorithms and market data
// acquisition stay behind the ports declared in ports.go.
package strength
