package workflow

// Defaults carries the per-definition execution defaults applied to
// every step that does not override them.
type Defaults struct {
	// Retries is the default retry policy for step failures.
	Retries RetryPolicy

	// ResultSizeLimit bounds each step's serialized result. Nil means
	// unlimited.
	ResultSizeLimit *ResultSizeLimit
}

// Definition is a typed workflow definition. T is the input type (must
// be JSON-serializable for Instance.Payload storage).
type Definition[T any] struct {
	// Type is the unique identifier for this workflow type.
	Type string

	// Validate checks the decoded input at submission. A non-nil error
	// rejects the submission; the instance never reaches running.
	// Optional.
	Validate func(input T) error

	// Defaults configure retries and result size limits for this type.
	Defaults Defaults

	// Run is the workflow body. It is re-executed from the top on every
	// tick, with already-succeeded steps replayed from the durability
	// log. It must be replay-safe (see the package comment).
	Run func(c *Context, input T) error
}

// DefinitionOption configures a Definition at construction.
type DefinitionOption[T any] func(*Definition[T])

// WithValidator sets the submission-time input validator.
func WithValidator[T any](fn func(input T) error) DefinitionOption[T] {
	return func(d *Definition[T]) { d.Validate = fn }
}

// WithRetries sets the default retry policy for the definition.
func WithRetries[T any](p RetryPolicy) DefinitionOption[T] {
	return func(d *Definition[T]) { d.Defaults.Retries = p }
}

// WithResultSizeLimit sets the default result size limit for the
// definition.
func WithResultSizeLimit[T any](l ResultSizeLimit) DefinitionOption[T] {
	return func(d *Definition[T]) { d.Defaults.ResultSizeLimit = &l }
}

// NewDefinition creates a typed workflow definition with the default
// retry policy.
func NewDefinition[T any](workflowType string, run func(c *Context, input T) error, opts ...DefinitionOption[T]) *Definition[T] {
	def := &Definition[T]{
		Type: workflowType,
		Defaults: Defaults{
			Retries: DefaultRetryPolicy(),
		},
		Run: run,
	}
	for _, opt := range opts {
		opt(def)
	}
	return def
}
