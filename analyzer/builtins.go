package analyzer

// builtinNames are resolved by the interpreter and never produced by a block.
// A block that rebinds one of these names (e.g. `id = 3`) still defines it,
// but reads of it are not reported as dependencies.
var builtinNames = toSet(
	// functions
	"abs", "aiter", "all", "anext", "any", "ascii", "bin", "bool", "breakpoint",
	"bytearray", "bytes", "callable", "chr", "classmethod", "compile", "complex",
	"delattr", "dict", "dir", "divmod", "enumerate", "eval", "exec", "exit",
	"filter", "float", "format", "frozenset", "getattr", "globals", "hasattr",
	"hash", "help", "hex", "id", "input", "int", "isinstance", "issubclass",
	"iter", "len", "list", "locals", "map", "max", "memoryview", "min", "next",
	"object", "oct", "open", "ord", "pow", "print", "property", "quit", "range",
	"repr", "reversed", "round", "set", "setattr", "slice", "sorted",
	"staticmethod", "str", "sum", "super", "tuple", "type", "vars", "zip",
	"__import__", "__name__", "__file__", "__doc__", "__builtins__",
	"NotImplemented", "Ellipsis",
	// exceptions and warnings
	"BaseException", "Exception", "ArithmeticError", "AssertionError",
	"AttributeError", "EOFError", "FileNotFoundError", "ImportError",
	"IndexError", "KeyError", "KeyboardInterrupt", "LookupError", "MemoryError",
	"ModuleNotFoundError", "NameError", "NotImplementedError", "OSError",
	"OverflowError", "PermissionError", "RecursionError", "RuntimeError",
	"StopIteration", "SyntaxError", "SystemExit", "TimeoutError", "TypeError",
	"UnicodeDecodeError", "UnicodeEncodeError", "ValueError", "ZeroDivisionError",
	"Warning", "UserWarning", "DeprecationWarning", "RuntimeWarning",
	// notebook environment
	"display", "get_ipython",
)

// outputCalls are function names whose call renders output.
var outputCalls = toSet("print", "display")

// outputMethods are attribute calls that render a figure or show output.
var outputMethods = toSet(
	"show", "plot", "savefig", "hist", "scatter", "bar", "imshow",
	"heatmap", "pairplot", "boxplot", "histplot",
)

func toSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func isBuiltin(name string) bool {
	_, ok := builtinNames[name]
	return ok
}
