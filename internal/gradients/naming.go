package gradients

// GradientName returns the canonical name of a value's gradient.
func GradientName(name string) string { return name + "_grad" }

// ExternalGradientName names the externally supplied gradient of a value
// whose canonical gradient name is already produced inside the graph.
func ExternalGradientName(gradName string) string { return gradName + "_external" }
