package expr

import (
	"fmt"
	"math"
)

// functions is the fixed whitelist from spec: min, max, and the designated
// math namespace. No identifier outside this table or the environment is
// ever callable — there is no attribute access, indexing, or control flow.
var functions = map[string]func(args []float64) (float64, error){
	"min": func(args []float64) (float64, error) {
		if len(args) < 2 {
			return 0, fmt.Errorf("min requires at least 2 arguments")
		}
		m := args[0]
		for _, a := range args[1:] {
			if a < m {
				m = a
			}
		}
		return m, nil
	},
	"max": func(args []float64) (float64, error) {
		if len(args) < 2 {
			return 0, fmt.Errorf("max requires at least 2 arguments")
		}
		m := args[0]
		for _, a := range args[1:] {
			if a > m {
				m = a
			}
		}
		return m, nil
	},
	"sin":   unary(math.Sin),
	"cos":   unary(math.Cos),
	"tan":   unary(math.Tan),
	"asin":  unary(math.Asin),
	"acos":  unary(math.Acos),
	"atan":  unary(math.Atan),
	"sqrt":  unary(math.Sqrt),
	"exp":   unary(math.Exp),
	"log":   unary(math.Log),
	"log10": unary(math.Log10),
	"floor": unary(math.Floor),
	"ceil":  unary(math.Ceil),
	"abs":   unary(math.Abs),
	"atan2": binary(math.Atan2),
	"pow":   binary(math.Pow),
}

func unary(f func(float64) float64) func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return f(args[0]), nil
	}
}

func binary(f func(float64, float64) float64) func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("expected 2 arguments, got %d", len(args))
		}
		return f(args[0], args[1]), nil
	}
}
