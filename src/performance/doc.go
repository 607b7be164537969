// Package performance scores the reliability of peers from the outcome of the
// units dispatched to them.
package performance
