package touchview

import (
	"fmt"
	"math"
)

// Names of the built-in reduce functions, usable in place of JavaScript source.
const (
	ReduceCountName = "_count"
	ReduceSumName   = "_sum"
	ReduceStatsName = "_stats"
)

// Returns the built-in reduce function with the given name.
func BuiltinReduce(name string) (ReduceFunc, error) {
	switch name {
	case ReduceCountName:
		return ReduceCount, nil
	case ReduceSumName:
		return ReduceSum, nil
	case ReduceStatsName:
		return ReduceStats, nil
	}
	return nil, fmt.Errorf("unknown built-in reduce function %q", name)
}

// Adds up the numeric values; other values are ignored.
func TotalValues(values []interface{}) float64 {
	total := 0.0
	for _, value := range values {
		if n, ok := value.(float64); ok {
			total += n
		}
	}
	return total
}

func ReduceCount(keys []interface{}, values []interface{}, rereduce bool) (interface{}, error) {
	if rereduce {
		return TotalValues(values), nil
	}
	return float64(len(values)), nil
}

func ReduceSum(keys []interface{}, values []interface{}, rereduce bool) (interface{}, error) {
	return TotalValues(values), nil
}

// Statistics computed by ReduceStats.
type Stats struct {
	Sum    float64 `json:"sum"`
	Count  float64 `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	SumSqr float64 `json:"sumsqr"`
}

func ReduceStats(keys []interface{}, values []interface{}, rereduce bool) (interface{}, error) {
	stats := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, value := range values {
		if rereduce {
			partial, ok := value.(Stats)
			if !ok {
				return nil, fmt.Errorf("_stats can't rereduce %#v", value)
			}
			if partial.Count == 0 {
				continue
			}
			stats.Sum += partial.Sum
			stats.Count += partial.Count
			stats.SumSqr += partial.SumSqr
			stats.Min = math.Min(stats.Min, partial.Min)
			stats.Max = math.Max(stats.Max, partial.Max)
			continue
		}
		n, ok := value.(float64)
		if !ok {
			return nil, fmt.Errorf("_stats requires numeric values, not %#v", value)
		}
		stats.Sum += n
		stats.Count++
		stats.SumSqr += n * n
		stats.Min = math.Min(stats.Min, n)
		stats.Max = math.Max(stats.Max, n)
	}
	if stats.Count == 0 {
		stats.Min, stats.Max = 0, 0
	}
	return stats, nil
}

// Reduces one group's rows, in chunks of at most batchSize, combining the chunk results with a
// rereduce call when there is more than one chunk.
func reduceGroup(fn ReduceFunc, keys, values []interface{}, batchSize int) (interface{}, error) {
	if batchSize <= 0 || len(values) <= batchSize {
		return callReduce(fn, keys, values, false)
	}
	partials := make([]interface{}, 0, (len(values)+batchSize-1)/batchSize)
	for start := 0; start < len(values); start += batchSize {
		end := min(start+batchSize, len(values))
		partial, err := callReduce(fn, keys[start:end], values[start:end], false)
		if err != nil {
			return nil, err
		}
		partials = append(partials, partial)
	}
	return callReduce(fn, nil, partials, true)
}

func callReduce(fn ReduceFunc, keys, values []interface{}, rereduce bool) (result interface{}, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("panic in reduce function: %v", x)
		}
	}()
	return fn(keys, values, rereduce)
}
