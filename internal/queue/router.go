package queue

// Route is spec.md §4.7's pure routing function: the cpu vs gpu decision
// is solely a function of the ml_required flag an upstream stage
// annotates onto input_data. The flag's computation (an "ML workload
// classifier") is an external collaborator and out of scope here.
func Route(mlRequired bool) Class {
	if mlRequired {
		return ClassGPU
	}
	return ClassCPU
}

// MLRequired reads the routing flag out of a task's input_data map,
// defaulting to false (spec.md §4.7: "the default mapping sends every
// stage to cpu").
func MLRequired(inputData map[string]any) bool {
	v, ok := inputData["ml_required"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
