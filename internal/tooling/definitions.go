package tooling

import "editoragent/internal/sandbox"

// ArgType is the declared type of a tool argument.
type ArgType string

const (
	TypeString  ArgType = "string"
	TypeNumber  ArgType = "number"
	TypeBoolean ArgType = "boolean"
	TypeArray   ArgType = "array"
)

const (
	// MaxStringLength applies to string arguments without their own MaxLength.
	MaxStringLength = 10000
	// MaxArrayLength caps array arguments.
	MaxArrayLength = 100
)

// ArgSpec describes one argument of a tool. Positional syntaxes bind values
// in declaration order.
type ArgSpec struct {
	Name      string
	Type      ArgType
	Required  bool
	Default   any
	MaxLength int // strings only; 0 means MaxStringLength
	Bounded   bool
	Min, Max  int // numbers only, applied when Bounded

	// RequiredMessage replaces the generic missing-argument error.
	RequiredMessage string
}

// Definition is the static description of a tool.
type Definition struct {
	Name        string
	Aliases     []string
	Description string
	Args        []ArgSpec

	// Input is a prototype struct reflected into the tool's JSON Schema.
	// When nil, arguments are only sanitized against Args.
	Input any
}

// FirstRequired returns the first required argument, used for bare positional values.
func (d Definition) FirstRequired() (ArgSpec, bool) {
	for _, a := range d.Args {
		if a.Required {
			return a, true
		}
	}
	return ArgSpec{}, false
}

// Spec returns the argument named name.
func (d Definition) Spec(name string) (ArgSpec, bool) {
	for _, a := range d.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgSpec{}, false
}

// GrepInput is the argument shape of the grep tool.
type GrepInput struct {
	Query          string `json:"query" jsonschema:"maxLength=1000,description=Text or pattern to search for"`
	Path           string `json:"path,omitempty" jsonschema:"maxLength=500,description=Directory to search in"`
	CaseSensitive  bool   `json:"caseSensitive,omitempty"`
	WholeWord      bool   `json:"wholeWord,omitempty"`
	Regex          bool   `json:"regex,omitempty"`
	IncludePattern string `json:"includePattern,omitempty" jsonschema:"maxLength=200,description=Comma-separated globs to include"`
	ExcludePattern string `json:"excludePattern,omitempty" jsonschema:"maxLength=200,description=Comma-separated globs to exclude"`
	MaxResults     int    `json:"maxResults,omitempty" jsonschema:"minimum=1,maximum=500"`
}

// FindInput is the argument shape of the find_by_name tool.
type FindInput struct {
	Pattern    string `json:"pattern" jsonschema:"maxLength=200,description=Glob pattern matched against names"`
	Path       string `json:"path,omitempty" jsonschema:"maxLength=500"`
	Type       string `json:"type,omitempty" jsonschema:"description=Entry kind: file or dir or all"`
	MaxDepth   int    `json:"maxDepth,omitempty" jsonschema:"minimum=1,maximum=20"`
	MaxResults int    `json:"maxResults,omitempty" jsonschema:"minimum=1,maximum=200"`
}

// ListDirInput is the argument shape of the list_dir tool.
type ListDirInput struct {
	Path       string `json:"path" jsonschema:"maxLength=500"`
	Recursive  bool   `json:"recursive,omitempty"`
	MaxDepth   int    `json:"maxDepth,omitempty" jsonschema:"minimum=1,maximum=10"`
	ShowHidden bool   `json:"showHidden,omitempty"`
}

// PathInput is the argument shape of read_file and file_info.
type PathInput struct {
	Path string `json:"path" jsonschema:"maxLength=500"`
}

var pathRequired = sandbox.ErrInvalid.Error()

// Builtins returns the definitions of the five file tools.
func Builtins() []Definition {
	return []Definition{
		{
			Name:        "grep",
			Aliases:     []string{"Grep", "GREP", "search", "Search"},
			Description: "Search file contents for text or a regular expression",
			Input:       GrepInput{},
			Args: []ArgSpec{
				{Name: "query", Type: TypeString, Required: true, MaxLength: 1000, RequiredMessage: "Query is required"},
				{Name: "path", Type: TypeString, Default: ".", MaxLength: 500},
				{Name: "caseSensitive", Type: TypeBoolean, Default: false},
				{Name: "wholeWord", Type: TypeBoolean, Default: false},
				{Name: "regex", Type: TypeBoolean, Default: false},
				{Name: "includePattern", Type: TypeString, Default: "", MaxLength: 200},
				{Name: "excludePattern", Type: TypeString, Default: "", MaxLength: 200},
				{Name: "maxResults", Type: TypeNumber, Default: 100, Bounded: true, Min: 1, Max: 500},
			},
		},
		{
			Name:        "find_by_name",
			Aliases:     []string{"find", "Find", "FIND", "find_file", "findFile"},
			Description: "Find files and directories whose name matches a glob pattern",
			Input:       FindInput{},
			Args: []ArgSpec{
				{Name: "pattern", Type: TypeString, Required: true, MaxLength: 200, RequiredMessage: "Pattern is required"},
				{Name: "path", Type: TypeString, Default: ".", MaxLength: 500},
				{Name: "type", Type: TypeString, Default: "all", MaxLength: 10},
				{Name: "maxDepth", Type: TypeNumber, Default: 10, Bounded: true, Min: 1, Max: 20},
				{Name: "maxResults", Type: TypeNumber, Default: 50, Bounded: true, Min: 1, Max: 200},
			},
		},
		{
			Name:        "list_dir",
			Aliases:     []string{"ls", "listDir", "list_directory", "dir"},
			Description: "List the contents of a directory",
			Input:       ListDirInput{},
			Args: []ArgSpec{
				{Name: "path", Type: TypeString, Required: true, MaxLength: 500, RequiredMessage: pathRequired},
				{Name: "recursive", Type: TypeBoolean, Default: false},
				{Name: "maxDepth", Type: TypeNumber, Default: 3, Bounded: true, Min: 1, Max: 10},
				{Name: "showHidden", Type: TypeBoolean, Default: false},
			},
		},
		{
			Name:        "read_file",
			Aliases:     []string{"readFile", "read", "cat", "READ"},
			Description: "Read the full text content of a file",
			Input:       PathInput{},
			Args: []ArgSpec{
				{Name: "path", Type: TypeString, Required: true, MaxLength: 500, RequiredMessage: pathRequired},
			},
		},
		{
			Name:        "file_info",
			Aliases:     []string{"fileInfo", "stat", "info"},
			Description: "Get the size of a file",
			Input:       PathInput{},
			Args: []ArgSpec{
				{Name: "path", Type: TypeString, Required: true, MaxLength: 500, RequiredMessage: pathRequired},
			},
		},
	}
}
