package lens

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"go/ast"
	"go/build"
	"go/format"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-analyze/bulk"
	"golang.org/x/mod/modfile"
	"golang.org/x/tools/go/packages"
)

const (
	injectedFilenamePrefix = "xx_lens_"
	// RuntimePackageName is the package name, and module relative directory, of the injected recorder.
	RuntimePackageName = "xxlenstrace"
	backupSuffix       = ".lensbkp"
	testMainFilename   = injectedFilenamePrefix + "main_test.go"
)

// ErrNoFunctionBody indicates a function has no body (e.g., assembly-only or external).
var ErrNoFunctionBody = errors.New("function has no body (likely assembly or external implementation)")

// ErrParse indicates that rewritten source no longer parses, this is an internal defect rather than a user error.
var ErrParse = errors.New("instrumented source failed to parse")

// IsNormalInstrumentError returns true if the error should result in the file being skipped rather than failing.
func IsNormalInstrumentError(err error) bool {
	return errors.Is(err, ErrNoFunctionBody) || errors.Is(err, ErrUnsupportedFile)
}

// embed the runtime template files into the binary
//
//go:embed traceclient.go
//go:embed traceapi.go
var tmplFS embed.FS
var instrumentFileLock = newDefaultStripedMutex()

// SourceFile is a parsed and type checked Go file that is a candidate for instrumentation.
type SourceFile struct {
	Path    string
	Fset    *token.FileSet
	File    *ast.File
	Info    *types.Info
	PkgName string
	IsTest  bool
}

// InstrumentOptions configures an Instrumenter.
type InstrumentOptions struct {
	Mode       CollectMode
	MaxSamples int
	// Ranges restricts which files and lines receive probes, nil selects everything.
	Ranges FileRanges
	// Label maps an instrumented path to the path recorded in probe locations, nil records the path as is.
	Label func(path string) string
	// Logf receives verbose diagnostics with their verbosity level, may be nil.
	Logf func(level int, format string, args ...any)
}

// filePlan collects the pending insertions for a single file.
type filePlan struct {
	path         string
	src          []byte
	importOffset int
	items        []InsertionItem
	probes       int
}

// Instrumenter rewrites the Go files of a module so that selected expressions are recorded at runtime.
// Edits are planned in memory and only written by Commit, Restore reverts every written change.
type Instrumenter struct {
	registry   *Registry
	opts       InstrumentOptions
	moduleRoot string
	modulePath string

	planLock  sync.Mutex
	plans     map[string]*filePlan
	testMains map[string]string // dir -> package name needing a generated TestMain

	cleanupLock    sync.Mutex
	cleanupActions []func() error
}

// NewInstrumenter creates an Instrumenter for the module rooted at moduleRoot (the directory holding go.mod).
func NewInstrumenter(registry *Registry, moduleRoot string, opts InstrumentOptions) (*Instrumenter, error) {
	modulePath, err := readModulePath(moduleRoot)
	if err != nil {
		return nil, err
	}
	if opts.Label == nil {
		opts.Label = func(path string) string { return path }
	}
	if opts.Logf == nil {
		opts.Logf = func(int, string, ...any) {}
	}
	return &Instrumenter{
		registry:   registry,
		opts:       opts,
		moduleRoot: moduleRoot,
		modulePath: modulePath,
		plans:      make(map[string]*filePlan),
		testMains:  make(map[string]string),
	}, nil
}

// FindModuleRoot walks up from dir until a go.mod file is found.
func FindModuleRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for d := dir; ; {
		if FileExists(filepath.Join(d, "go.mod")) {
			return d, nil
		}
		parent := filepath.Dir(d)
		if parent == d {
			return "", fmt.Errorf("no go.mod found in %s or any parent", dir)
		}
		d = parent
	}
}

func readModulePath(moduleRoot string) (string, error) {
	gomodPath := filepath.Join(moduleRoot, "go.mod")
	data, err := os.ReadFile(gomodPath)
	if err != nil {
		return "", fmt.Errorf("read %s failed: %w", gomodPath, err)
	}
	modulePath := modfile.ModulePath(data)
	if modulePath == "" {
		return "", fmt.Errorf("module path not found in %s", gomodPath)
	}
	return modulePath, nil
}

// RuntimeImportPath is the import path of the injected recorder package.
func (in *Instrumenter) RuntimeImportPath() string {
	return in.modulePath + "/" + RuntimePackageName
}

// RuntimeDir is the directory the recorder package is injected into.
func (in *Instrumenter) RuntimeDir() string {
	return filepath.Join(in.moduleRoot, RuntimePackageName)
}

// LoadPackages loads the type checked syntax, including tests, for the provided patterns within dir.
func LoadPackages(dir string, patterns ...string) ([]*packages.Package, error) {
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}
	pkgs, err := packages.Load(&packages.Config{
		Dir:   dir,
		Tests: true,
		Mode: packages.NeedFiles | packages.NeedSyntax | packages.NeedName |
			packages.NeedImports | packages.NeedTypes | packages.NeedTypesInfo,
	}, patterns...)
	if err != nil {
		return nil, err
	}
	var errs []error
	packages.Visit(pkgs, nil, func(pkg *packages.Package) {
		for _, e := range pkg.Errors {
			errs = append(errs, fmt.Errorf("%s: %s", pkg.PkgPath, e.Msg))
		}
	})
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrParse, errors.Join(errs...))
	}
	return pkgs, nil
}

// CollectSourceFiles returns each Go file within root once, ordered by path.
// Test variants of a package repeat its files, the first parse seen is kept.
func CollectSourceFiles(pkgs []*packages.Package, root string) []SourceFile {
	byPath := make(map[string]SourceFile)
	for _, pkg := range pkgs {
		if pkg.Fset == nil || pkg.TypesInfo == nil {
			continue
		}
		for _, f := range pkg.Syntax {
			tf := pkg.Fset.File(f.Pos())
			if tf == nil {
				continue
			}
			path := filepath.Clean(tf.Name())
			if _, seen := byPath[path]; seen || !strings.HasSuffix(path, ".go") ||
				strings.HasPrefix(filepath.Base(path), injectedFilenamePrefix) {
				continue
			} else if within, err := fileWithinDir(path, root); err != nil || !within {
				continue // generated test mains live in the build cache
			}
			byPath[path] = SourceFile{
				Path:    path,
				Fset:    pkg.Fset,
				File:    f,
				Info:    pkg.TypesInfo,
				PkgName: f.Name.Name,
				IsTest:  strings.HasSuffix(path, "_test.go"),
			}
		}
	}
	files := bulk.MapValuesSlice(byPath)
	slices.SortFunc(files, func(a, b SourceFile) int {
		return strings.Compare(a.Path, b.Path)
	})
	return files
}

// TypeCheckFile type checks a single file that only depends on the standard library.
func TypeCheckFile(fset *token.FileSet, file *ast.File) (*types.Info, error) {
	info := &types.Info{
		Defs:       make(map[*ast.Ident]types.Object),
		Uses:       make(map[*ast.Ident]types.Object),
		Types:      make(map[ast.Expr]types.TypeAndValue),
		Selections: make(map[*ast.SelectorExpr]*types.Selection),
		Implicits:  make(map[ast.Node]types.Object),
	}
	cfg := &types.Config{Importer: importer.Default()}
	if _, err := cfg.Check(file.Name.Name, fset, []*ast.File{file}, info); err != nil {
		return nil, err
	}
	return info, nil
}

// BuildProbePlan selects and registers the probes of a file, returning the insertions which wrap them.
// Probes are registered under label, the recorder is referenced through the package identifier rtPkg.
func BuildProbePlan(reg *Registry, label string, sf SourceFile, ranges []LineRange, rtPkg string) ([]InsertionItem, error) {
	selections, err := SelectProbes(sf.Fset, sf.File, sf.Info, ranges)
	if err != nil {
		return nil, err
	}
	items := make([]InsertionItem, 0, 2*len(selections))
	for _, sel := range selections {
		id, err := reg.Register(label, sel.Span, sel.Kind, sel.Name)
		if err != nil {
			return nil, err
		}
		switch sel.Kind {
		case ProbeParameter:
			items = append(items, InsertionItem{
				Offset: sel.BodyOffset,
				Text:   probeParamText(rtPkg, id, sel.Name),
				Role:   RoleParamPrefix,
			})
		default:
			items = append(items,
				InsertionItem{Offset: sel.Start, Text: probeOpenText(rtPkg, id), Role: RoleOpen, SpanLen: sel.SpanLen()},
				InsertionItem{Offset: sel.End, Text: probeCloseText(), Role: RoleClose, SpanLen: sel.SpanLen()})
		}
	}
	return items, nil
}

// InstrumentSource rewrites src, the source of sf, with probes around every selected expression and
// parameter. The returned source is verified to still parse.
func InstrumentSource(reg *Registry, label string, src []byte, sf SourceFile, ranges []LineRange, rtPkg string) ([]byte, error) {
	items, err := BuildProbePlan(reg, label, sf, ranges, rtPkg)
	if err != nil {
		return nil, err
	}
	out, err := ApplyInsertions(src, items)
	if err != nil {
		return nil, err
	}
	return out, verifyParse(sf.Path, out)
}

func verifyParse(path string, src []byte) error {
	if _, err := parser.ParseFile(token.NewFileSet(), path, src, parser.SkipObjectResolution); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}
	return nil
}

// loadPlan provides the plan for a file, reading the source on first use.
// The file lock must be held.
func (in *Instrumenter) loadPlan(sf SourceFile) (*filePlan, error) {
	in.planLock.Lock()
	plan, ok := in.plans[sf.Path]
	in.planLock.Unlock()
	if ok {
		return plan, nil
	}

	src, err := os.ReadFile(sf.Path)
	if err != nil {
		return nil, fmt.Errorf("read failure %s: %w", sf.Path, err)
	}
	tf := sf.Fset.File(sf.File.Pos())
	if tf == nil || tf.Size() != len(src) {
		return nil, fmt.Errorf("source changed since load: %s", sf.Path)
	}
	plan = &filePlan{
		path:         sf.Path,
		src:          src,
		importOffset: tf.Offset(sf.File.Name.End()),
	}
	in.planLock.Lock()
	in.plans[sf.Path] = plan
	in.planLock.Unlock()
	return plan, nil
}

// PlanFile selects and registers the probes of a file. The count of probes is returned.
func (in *Instrumenter) PlanFile(sf SourceFile) (int, error) {
	if !in.opts.Ranges.Includes(sf.Path) {
		return 0, nil
	} else if ast.IsGenerated(sf.File) {
		in.opts.Logf(2, "skipping generated file %s", sf.Path)
		return 0, nil
	}

	lock := instrumentFileLock.Lock(sf.Path)
	defer lock.Unlock()

	items, err := BuildProbePlan(in.registry, in.opts.Label(sf.Path), sf, in.opts.Ranges.For(sf.Path), RuntimePackageName)
	if err != nil {
		return 0, fmt.Errorf("instrument %s: %w", sf.Path, err)
	} else if len(items) == 0 {
		return 0, nil
	}
	plan, err := in.loadPlan(sf)
	if err != nil {
		return 0, err
	}
	plan.items = append(plan.items, items...)
	var probes int
	for _, item := range items {
		if item.Role != RoleClose {
			probes++
		}
	}
	plan.probes += probes
	in.opts.Logf(2, "planned %d probes in %s", probes, sf.Path)
	return probes, nil
}

// PlanFiles plans every file concurrently, returning the total probe count.
// Files which can not be instrumented for a normal reason are skipped.
func (in *Instrumenter) PlanFiles(ctx context.Context, files []SourceFile) (int, error) {
	errGroup := ErrGroupLimitCPU()
	var mu sync.Mutex
	var total int
	for _, sf := range files {
		errGroup.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := in.PlanFile(sf)
			if IsNormalInstrumentError(err) {
				in.opts.Logf(1, "WARN: skipping %s: %v", sf.Path, err)
				return nil
			} else if err != nil {
				return err
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := errGroup.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}

// PlanFlush arranges for each process built from the files to write its results at exit.
// A main function gets a deferred flush, and each test package is given a TestMain which flushes after the
// tests complete. Existing TestMain functions have their m.Run() result wrapped instead.
func (in *Instrumenter) PlanFlush(files []SourceFile) error {
	testDirs := make(map[string][]SourceFile)
	for _, sf := range files {
		if sf.IsTest {
			dir := filepath.Dir(sf.Path)
			testDirs[dir] = append(testDirs[dir], sf)
			continue
		} else if sf.PkgName != "main" {
			continue
		}
		mainDecl := findTopLevelFunc(sf.File, "main")
		if mainDecl == nil {
			continue
		} else if mainDecl.Body == nil {
			return fmt.Errorf("%w: main in %s", ErrNoFunctionBody, sf.Path)
		}
		if err := in.addFlushPrefix(sf, mainDecl); err != nil {
			return err
		}
	}

	for dir, testFiles := range testDirs {
		var hasTestMain bool
		for _, sf := range testFiles {
			testMain := findTopLevelFunc(sf.File, "TestMain")
			if testMain == nil || testMain.Body == nil {
				continue
			}
			hasTestMain = true
			if err := in.wrapTestMainRun(sf, testMain); err != nil {
				return err
			}
		}
		if !hasTestMain {
			pkgName, err := detectPackageName(dir)
			if err != nil {
				pkgName = testFiles[0].PkgName // test only directory
			}
			in.planLock.Lock()
			in.testMains[dir] = pkgName
			in.planLock.Unlock()
		}
	}
	return nil
}

func findTopLevelFunc(f *ast.File, name string) *ast.FuncDecl {
	for _, decl := range f.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Recv == nil && fd.Name.Name == name {
			return fd
		}
	}
	return nil
}

func (in *Instrumenter) addFlushPrefix(sf SourceFile, fn *ast.FuncDecl) error {
	lock := instrumentFileLock.Lock(sf.Path)
	defer lock.Unlock()

	plan, err := in.loadPlan(sf)
	if err != nil {
		return err
	}
	plan.items = append(plan.items, InsertionItem{
		Offset: sf.Fset.File(fn.Pos()).Offset(fn.Body.Lbrace) + 1,
		Text:   "defer " + RuntimePackageName + ".Flush(); ",
		Role:   RoleParamPrefix,
	})
	return nil
}

// wrapTestMainRun wraps each m.Run() within an existing TestMain so results are flushed before any os.Exit.
// When the runner is never invoked directly a deferred flush is used instead.
func (in *Instrumenter) wrapTestMainRun(sf SourceFile, fn *ast.FuncDecl) error {
	var runnerName string
	if params := fn.Type.Params.List; len(params) == 1 && len(params[0].Names) == 1 {
		runnerName = params[0].Names[0].Name
	}
	var runCalls []*ast.CallExpr
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok || len(call.Args) != 0 {
			return true
		}
		if sel, ok := call.Fun.(*ast.SelectorExpr); ok && sel.Sel.Name == "Run" {
			if x, ok := sel.X.(*ast.Ident); ok && x.Name == runnerName {
				runCalls = append(runCalls, call)
			}
		}
		return true
	})
	if len(runCalls) == 0 {
		return in.addFlushPrefix(sf, fn)
	}

	lock := instrumentFileLock.Lock(sf.Path)
	defer lock.Unlock()
	plan, err := in.loadPlan(sf)
	if err != nil {
		return err
	}
	tf := sf.Fset.File(fn.Pos())
	for _, call := range runCalls {
		start, end := tf.Offset(call.Pos()), tf.Offset(call.End())
		plan.items = append(plan.items,
			InsertionItem{Offset: start, Text: RuntimePackageName + ".FlushAfter(", Role: RoleOpen, SpanLen: end - start},
			InsertionItem{Offset: end, Text: probeCloseText(), Role: RoleClose, SpanLen: end - start})
	}
	return nil
}

// rewritePlan applies a plan, adding the recorder import on the package clause line.
func (in *Instrumenter) rewritePlan(plan *filePlan) ([]byte, error) {
	items := append(slices.Clone(plan.items), InsertionItem{
		Offset: plan.importOffset,
		Text:   "; import " + RuntimePackageName + " " + strconv.Quote(in.RuntimeImportPath()),
		Role:   RoleParamPrefix,
	})
	out, err := ApplyInsertions(plan.src, items)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", plan.path, err)
	} else if err := verifyParse(plan.path, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Rewritten returns the instrumented source of a planned file without writing it.
func (in *Instrumenter) Rewritten(path string) ([]byte, bool, error) {
	in.planLock.Lock()
	plan, ok := in.plans[path]
	in.planLock.Unlock()
	if !ok {
		return nil, false, nil
	}
	out, err := in.rewritePlan(plan)
	return out, true, err
}

// Commit writes the recorder package and every planned file. All rewrites are computed before the first
// write so a failure leaves the module untouched.
func (in *Instrumenter) Commit() error {
	in.planLock.Lock()
	defer in.planLock.Unlock()

	paths := bulk.MapKeysSlice(in.plans)
	slices.Sort(paths)
	outputs := make([][]byte, len(paths))
	errGroup := ErrGroupLimitCPU()
	for i, path := range paths {
		errGroup.Go(func() error {
			out, err := in.rewritePlan(in.plans[path])
			outputs[i] = out
			return err
		})
	}
	if err := errGroup.Wait(); err != nil {
		return err
	}

	if err := in.injectRuntime(); err != nil {
		return err
	}
	for dir, pkgName := range in.testMains {
		if err := in.writeTestMain(dir, pkgName); err != nil {
			return err
		}
	}
	for i, path := range paths {
		if err := in.backupOrigFile(path); err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		} else if err := os.WriteFile(path, outputs[i], info.Mode().Perm()); err != nil {
			return fmt.Errorf("instrument write failure %s: %w", path, err)
		}
		in.opts.Logf(3, "instrumented %s:\n%s", path, numberLines(outputs[i]))
	}
	in.plans = make(map[string]*filePlan) // committed
	return nil
}

func numberLines(src []byte) string {
	lines := strings.Split(strings.TrimSuffix(string(src), "\n"), "\n")
	width := len(strconv.Itoa(len(lines)))
	var sb strings.Builder
	for i, line := range lines {
		_, _ = fmt.Fprintf(&sb, "%*d| %s\n", width, i+1, line)
	}
	return sb.String()
}

// injectRuntime writes the recorder package, including the table of every registered location.
func (in *Instrumenter) injectRuntime() error {
	dir := in.RuntimeDir()
	if FileExists(dir) {
		return fmt.Errorf("recorder package already exists at %s (restore a previous run first)", dir)
	}

	clientSrc, err := tmplFS.ReadFile("traceclient.go")
	if err != nil {
		return fmt.Errorf("load embedded traceclient: %w", err)
	}
	apiSrc, err := tmplFS.ReadFile("traceapi.go")
	if err != nil {
		return fmt.Errorf("load embedded traceapi: %w", err)
	}

	var buf bytes.Buffer
	clientTxt, err := rewriteRuntimeTemplate(&buf, clientSrc, RuntimePackageName, map[string]string{
		"lensCollectMode": strconv.Itoa(int(in.opts.Mode)),
		"lensMaxSamples":  strconv.Itoa(max(1, in.opts.MaxSamples)),
	})
	if err != nil {
		return fmt.Errorf("rewrite traceclient failure: %w", err)
	}
	clientTxt = slices.Clone(clientTxt)
	apiTxt, err := rewriteRuntimeTemplate(&buf, apiSrc, RuntimePackageName, nil)
	if err != nil {
		return fmt.Errorf("rewrite traceapi failure: %w", err)
	}
	apiTxt = slices.Clone(apiTxt)
	probesTxt, err := renderProbeTable(&buf, in.registry.Locations())
	if err != nil {
		return fmt.Errorf("render probe table failure: %w", err)
	}

	if err := os.Mkdir(dir, 0o755); err != nil {
		return err
	}
	in.addCleanupAction(func() error {
		return os.RemoveAll(dir)
	})
	for name, content := range map[string][]byte{
		injectedFilenamePrefix + "client_gen.go": clientTxt,
		injectedFilenamePrefix + "api_gen.go":    apiTxt,
		injectedFilenamePrefix + "probes_gen.go": probesTxt,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func renderProbeTable(buf *bytes.Buffer, locations []ProbeLocation) ([]byte, error) {
	buf.Reset()
	buf.WriteString("// Code generated by tracelens. DO NOT EDIT.\n\npackage " + RuntimePackageName + "\n\n")
	buf.WriteString("var lensProbeTable = []ProbeLocation{\n")
	for _, loc := range locations {
		kind := "ProbeExpression"
		if loc.Kind == ProbeParameter {
			kind = "ProbeParameter"
		}
		fmt.Fprintf(buf, "{ID: %d, File: %s, StartLine: %d, StartCol: %d, EndLine: %d, EndCol: %d, Kind: %s, Name: %s},\n",
			loc.ID, strconv.Quote(loc.File), loc.StartLine, loc.StartCol, loc.EndLine, loc.EndCol, kind, strconv.Quote(loc.Name))
	}
	buf.WriteString("}\n\nfunc init() {\n\tlensDefaultRecorder.SetLocations(lensProbeTable)\n}\n")
	return format.Source(buf.Bytes())
}

func (in *Instrumenter) writeTestMain(dir, pkgName string) error {
	path := filepath.Join(dir, testMainFilename)
	src := fmt.Sprintf(`// Code generated by tracelens. DO NOT EDIT.

package %s

import (
	lensos "os"
	lenstesting "testing"

	%s %q
)

func TestMain(m *lenstesting.M) {
	code := m.Run()
	%s.Flush()
	lensos.Exit(code)
}
`, pkgName, RuntimePackageName, in.RuntimeImportPath(), RuntimePackageName)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		return err
	}
	in.addCleanupAction(func() error {
		return os.Remove(path)
	})
	return nil
}

func makeFileFilter(dir string) func(fi fs.FileInfo) bool {
	return func(fi fs.FileInfo) bool {
		name := fi.Name()
		// ignore tests files, they may be in a different pkg
		if strings.HasSuffix(name, "_test.go") {
			return false
		}
		// drop any file that the default go/build would ignore
		match, err := build.Default.MatchFile(dir, name)
		return err == nil && match
	}
}

// detectPackageName returns the single non-test package defined in dir.
func detectPackageName(dir string) (string, error) {
	// parse only the package clause
	pkgs, err := parser.ParseDir(token.NewFileSet(), dir, makeFileFilter(dir), parser.PackageClauseOnly)
	if err != nil {
		return "", err
	} else if len(pkgs) == 0 {
		return "", fmt.Errorf("no non-test packages found in %s", dir)
	}
	pkgNames := bulk.MapKeysSlice(pkgs)
	if len(pkgNames) > 1 {
		return "", fmt.Errorf("multiple packages found in %s: %v", dir, pkgNames)
	}
	return pkgNames[0], nil
}

// rewriteRuntimeTemplate sets the package name and constant values of an embedded runtime file.
func rewriteRuntimeTemplate(buf *bytes.Buffer, src []byte, newPkg string,
	constantReplacements map[string]string) ([]byte, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	file.Name = ast.NewIdent(newPkg)
	updateConstLiterals(file, constantReplacements)

	buf.Reset()
	if err := format.Node(buf, fset, file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// updateConstLiterals replaces the value of any const or var whose name is a key in values.
func updateConstLiterals(f *ast.File, values map[string]string) {
	if len(values) == 0 {
		return
	}
	for _, decl := range f.Decls {
		genDecl, ok := decl.(*ast.GenDecl)
		if !ok || (genDecl.Tok != token.CONST && genDecl.Tok != token.VAR) {
			continue
		}
		for _, spec := range genDecl.Specs {
			vspec := spec.(*ast.ValueSpec)
			for i, ident := range vspec.Names {
				if v, hasReplacement := values[ident.Name]; hasReplacement {
					lit := &ast.BasicLit{
						Kind:  token.INT,
						Value: v,
					}
					if len(vspec.Values) <= i {
						for len(vspec.Values) < i {
							vspec.Values = append(vspec.Values, nil)
						}
						vspec.Values = append(vspec.Values, lit)
					} else {
						vspec.Values[i] = lit
					}
				}
			}
		}
	}
}

// backupOrigFile copies the file to a backup which is moved back on Restore.
func (in *Instrumenter) backupOrigFile(path string) error {
	bkpFile := path + backupSuffix
	if FileExists(bkpFile) {
		return fmt.Errorf("backup already exists %s (restore a previous run first)", bkpFile)
	} else if err := CopyFile(path, bkpFile); err != nil {
		return fmt.Errorf("instrument backup failure: %w", err)
	}
	in.addCleanupAction(func() error {
		return replaceFile(bkpFile, path)
	})
	return nil
}

func (in *Instrumenter) addCleanupAction(f func() error) {
	in.cleanupLock.Lock()
	defer in.cleanupLock.Unlock()
	in.cleanupActions = append(in.cleanupActions, f)
}

// Restore reverts every change written by Commit, it is safe to invoke multiple times.
func (in *Instrumenter) Restore() error {
	in.cleanupLock.Lock()
	defer in.cleanupLock.Unlock()

	var errs []error
	for _, f := range slices.Backward(in.cleanupActions) {
		if err := f(); err != nil {
			errs = append(errs, err)
		}
	}
	in.cleanupActions = in.cleanupActions[:0]
	return errors.Join(errs...)
}

// RestoreLeftovers reverts instrumentation left behind by an interrupted run within root.
// The paths of the restored files are returned.
func RestoreLeftovers(ctx context.Context, root string) ([]string, error) {
	var mu sync.Mutex
	var restored []string
	err := concurrentWalk(ctx, root, func(path string, info os.FileInfo) error {
		name := info.Name()
		var err error
		switch {
		case info.IsDir():
			return nil
		case strings.HasSuffix(name, backupSuffix):
			orig := strings.TrimSuffix(path, backupSuffix)
			err = replaceFile(path, orig)
			path = orig
		case name == testMainFilename:
			err = os.Remove(path)
		case strings.HasPrefix(name, injectedFilenamePrefix) && filepath.Base(filepath.Dir(path)) == RuntimePackageName:
			err = os.Remove(path)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		mu.Lock()
		restored = append(restored, path)
		mu.Unlock()
		return nil
	})
	if rtDir := filepath.Join(root, RuntimePackageName); err == nil && FileExists(rtDir) {
		err = os.Remove(rtDir) // only succeeds once emptied
	}
	slices.Sort(restored)
	return restored, err
}
