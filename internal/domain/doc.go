// Package domain holds the records shared by the checker, the alert
// evaluator, the dispatcher and the store.
package domain
