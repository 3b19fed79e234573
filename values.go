package omen

// Int64Of coerces any numeric field value to int64, zero for everything else.
// Storage collaborators differ in the concrete integer type they hand back;
// generated typed accessors normalize through this.
func Int64Of(v any) int64 {
	f, ok := asFloat(v)
	if !ok {
		return 0
	}
	return int64(f)
}

// Float64Of coerces any numeric field value to float64, zero for everything else.
func Float64Of(v any) float64 {
	f, _ := asFloat(v)
	return f
}
