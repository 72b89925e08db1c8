// Package progress projects raw task metrics onto the percentage shown
// to clients. The projection is a pure function with fixed phase
// weights (groups 10%, posts 30%, comments 60%) and an estimator for
// comment totals that are unknown until collection reaches them.
package progress
