package lens

import (
	"errors"
	"go/ast"
	"go/token"
	"go/types"
	"strconv"
)

// ErrUnsupportedFile indicates a file which can not be safely rewritten (for example cgo sources).
var ErrUnsupportedFile = errors.New("unsupported file for instrumentation")

// Selection is a single probe candidate found by SelectProbes.
type Selection struct {
	Kind ProbeKind
	Name string // parameter name for ProbeParameter selections
	Span Span
	// Start and End are the byte offsets of the wrapped expression, or of the parameter identifier.
	Start, End int
	// BodyOffset is the byte offset directly after the function body '{' for ProbeParameter selections.
	BodyOffset int
}

// SpanLen returns the byte length of the selected source.
func (s Selection) SpanLen() int {
	return s.End - s.Start
}

type probeSelector struct {
	fset   *token.FileSet
	tfile  *token.File
	info   *types.Info
	ranges []LineRange
	// noWrap holds nodes which must stay in their original form, their children are still visited.
	noWrap map[ast.Node]bool
	result []Selection
}

// SelectProbes walks the file and returns the expressions and parameters that can be wrapped without
// changing the meaning of the program. Results are ordered by a depth first walk, so enclosing
// expressions precede the expressions within them, and parameters precede their function body.
// Only nodes starting on a line within ranges are returned, an empty ranges selects the whole file.
func SelectProbes(fset *token.FileSet, file *ast.File, info *types.Info, ranges []LineRange) ([]Selection, error) {
	for _, imp := range file.Imports {
		if path, err := strconv.Unquote(imp.Path.Value); err == nil && path == "C" {
			return nil, ErrUnsupportedFile
		}
	}
	tfile := fset.File(file.Pos())
	if tfile == nil {
		return nil, errors.New("file position not found in file set")
	}
	s := &probeSelector{
		fset:   fset,
		tfile:  tfile,
		info:   info,
		ranges: ranges,
		noWrap: make(map[ast.Node]bool),
	}
	ast.Inspect(file, s.visit)
	return s.result, nil
}

func (s *probeSelector) line(pos token.Pos) int {
	return s.tfile.Line(pos)
}

func (s *probeSelector) span(start, end token.Pos) Span {
	startPos := s.tfile.Position(start)
	endPos := s.tfile.Position(end)
	return Span{
		StartLine: startPos.Line,
		StartCol:  startPos.Column - 1,
		EndLine:   endPos.Line,
		EndCol:    endPos.Column - 1,
	}
}

func (s *probeSelector) visit(n ast.Node) bool {
	if n == nil || !n.Pos().IsValid() {
		return false
	}
	if expr, ok := n.(ast.Expr); ok {
		if tv, ok := s.info.Types[expr]; ok && tv.Value != nil {
			return false // operands of a constant expression such as unsafe.Offsetof(s.f) must stay untouched
		}
	}

	switch node := n.(type) {
	case *ast.ImportSpec, *ast.BasicLit, *ast.Comment, *ast.CommentGroup, *ast.FieldList:
		return false
	case *ast.GenDecl:
		return node.Tok == token.VAR
	case *ast.FuncDecl:
		if node.Body == nil {
			return false
		}
		s.selectParams(node.Type, node.Body)
		ast.Inspect(node.Body, s.visit) // receiver, name, and signature hold no probe candidates
		return false
	case *ast.FuncLit:
		s.selectParams(node.Type, node.Body)
		ast.Inspect(node.Body, s.visit)
		return false
	case *ast.LabeledStmt:
		ast.Inspect(node.Stmt, s.visit)
		return false
	case *ast.BranchStmt:
		return false
	case *ast.CompositeLit:
		s.markCompositeKeys(node)
		for _, elt := range node.Elts {
			ast.Inspect(elt, s.visit)
		}
		return false // Type is only a type expression
	case *ast.KeyValueExpr:
		// keys of struct literals are field names and are marked in markCompositeKeys
	case *ast.AssignStmt:
		for _, lhs := range node.Lhs {
			s.markAddressable(lhs)
		}
	case *ast.IncDecStmt:
		s.markAddressable(node.X)
	case *ast.RangeStmt:
		if node.Key != nil {
			s.markAddressable(node.Key)
		}
		if node.Value != nil {
			s.markAddressable(node.Value)
		}
	case *ast.CommClause:
		switch comm := node.Comm.(type) {
		case *ast.ExprStmt:
			s.markReceive(comm.X)
		case *ast.AssignStmt:
			if len(comm.Rhs) == 1 {
				s.markReceive(comm.Rhs[0])
			}
		}
	case *ast.UnaryExpr:
		if node.Op == token.AND {
			s.markAddressable(node.X)
			return true
		}
		s.considerOperator(node)
	case *ast.BinaryExpr:
		s.considerOperator(node)
	case *ast.StarExpr:
		if s.isTypeExpr(node) {
			return false
		}
		s.considerOperator(node)
	case *ast.GoStmt:
		s.noWrap[node.Call] = true
	case *ast.DeferStmt:
		s.noWrap[node.Call] = true
	case *ast.CallExpr:
		s.noWrap[node.Fun] = true
		if s.isTypeExpr(node.Fun) { // conversion, only the operand is of interest
			if !s.isUintptr(node) { // pointer arithmetic must stay within one expression
				s.considerCall(node)
			}
			for _, arg := range node.Args {
				ast.Inspect(arg, s.visit)
			}
			return false
		}
		s.considerCall(node)
		return true
	case *ast.SelectorExpr:
		s.noWrap[node.Sel] = true
		s.considerSelector(node)
		if s.isPackageQualifier(node.X) {
			return false
		}
		ast.Inspect(node.X, s.visit)
		return false
	case *ast.SliceExpr:
		if tv, ok := s.info.Types[node.X]; ok && tv.Type != nil {
			if _, isArray := tv.Type.Underlying().(*types.Array); isArray {
				s.markAddressable(node.X) // slicing an array requires an addressable operand
			}
		}
	case *ast.IndexExpr:
		if s.isTypeExpr(node) { // generic instantiation
			return false
		}
		s.considerOperator(node)
	case *ast.IndexListExpr:
		if s.isTypeExpr(node) {
			return false
		}
	case *ast.TypeAssertExpr:
		ast.Inspect(node.X, s.visit)
		return false // Type is only a type expression
	case *ast.Ident:
		s.considerIdent(node)
		return false
	case *ast.ArrayType, *ast.StructType, *ast.FuncType, *ast.InterfaceType, *ast.MapType, *ast.ChanType, *ast.Ellipsis:
		return false
	}
	return true
}

// markAddressable flags an expression which must remain addressable, along with the operands it
// derives its addressability from.
func (s *probeSelector) markAddressable(e ast.Expr) {
	for e != nil {
		s.noWrap[e] = true
		switch x := e.(type) {
		case *ast.ParenExpr:
			e = x.X
		case *ast.SelectorExpr:
			e = x.X
		case *ast.IndexExpr:
			e = x.X
		case *ast.SliceExpr:
			e = x.X
		default:
			return
		}
	}
}

// markReceive keeps the receive of a select case in place, the case must be a receive operation.
func (s *probeSelector) markReceive(e ast.Expr) {
	for e != nil {
		s.noWrap[e] = true
		paren, ok := e.(*ast.ParenExpr)
		if !ok {
			return
		}
		e = paren.X
	}
}

func (s *probeSelector) markCompositeKeys(lit *ast.CompositeLit) {
	tv, ok := s.info.Types[lit]
	if !ok || tv.Type == nil {
		return
	}
	typ := tv.Type.Underlying()
	if ptr, ok := typ.(*types.Pointer); ok { // elided &T in nested literals
		typ = ptr.Elem().Underlying()
	}
	if _, isStruct := typ.(*types.Struct); !isStruct {
		return
	}
	for _, elt := range lit.Elts {
		if kv, ok := elt.(*ast.KeyValueExpr); ok {
			s.noWrap[kv.Key] = true
		}
	}
}

func (s *probeSelector) isTypeExpr(e ast.Expr) bool {
	tv, ok := s.info.Types[e]
	return ok && tv.IsType()
}

func (s *probeSelector) isUintptr(e ast.Expr) bool {
	tv, ok := s.info.Types[e]
	if !ok || tv.Type == nil {
		return false
	}
	b, isBasic := tv.Type.Underlying().(*types.Basic)
	return isBasic && b.Kind() == types.Uintptr
}

func (s *probeSelector) isPackageQualifier(e ast.Expr) bool {
	id, ok := e.(*ast.Ident)
	if !ok {
		return false
	}
	_, isPkg := s.info.Uses[id].(*types.PkgName)
	return isPkg
}

// wrappableValue reports if the expression yields a single typed, non-constant value.
func (s *probeSelector) wrappableValue(e ast.Expr) bool {
	if s.noWrap[e] {
		return false
	}
	tv, ok := s.info.Types[e]
	if !ok || tv.Type == nil || tv.Value != nil || !tv.IsValue() {
		return false
	}
	switch t := tv.Type.(type) {
	case *types.Tuple:
		return false
	case *types.Basic:
		if t.Info()&types.IsUntyped != 0 || t.Kind() == types.Invalid {
			return false
		}
	}
	return true
}

func (s *probeSelector) considerCall(call *ast.CallExpr) {
	if !s.wrappableValue(call) {
		return
	}
	end := max(call.Fun.End(), call.Rparen+1)
	for _, arg := range call.Args {
		end = max(end, arg.End())
	}
	s.addExpression(call.Pos(), end)
}

// considerOperator selects an operator, index or indirection expression. An expression which takes
// its type from the surrounding context is skipped unless it yields a plain bool, as a call argument
// it would otherwise fall back to the default type of its untyped operands.
func (s *probeSelector) considerOperator(e ast.Expr) {
	if s.plainBool(e) {
		if !s.noWrap[e] {
			s.addExpression(e.Pos(), e.End())
		}
		return
	}
	if s.wrappableValue(e) && !s.contextTyped(e) && !s.isUintptr(e) { // uintptr arithmetic stays in one expression
		s.addExpression(e.Pos(), e.End())
	}
}

// plainBool reports if e is a non-constant bool or untyped bool value. Both are accepted wherever
// the original expression was, an untyped bool survives type checking only in conditions.
func (s *probeSelector) plainBool(e ast.Expr) bool {
	tv, ok := s.info.Types[e]
	if !ok || tv.Value != nil || !tv.IsValue() {
		return false
	}
	b, ok := tv.Type.(*types.Basic)
	return ok && (b.Kind() == types.Bool || b.Kind() == types.UntypedBool)
}

// contextTyped reports if the type of e is untyped before conversion to the type its context needs.
func (s *probeSelector) contextTyped(e ast.Expr) bool {
	switch x := ast.Unparen(e).(type) {
	case *ast.BasicLit:
		return true
	case *ast.Ident:
		return untypedObject(s.info.Uses[x])
	case *ast.SelectorExpr:
		return untypedObject(s.info.Uses[x.Sel])
	case *ast.BinaryExpr:
		switch x.Op {
		case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
			return true
		case token.SHL, token.SHR:
			return s.contextTyped(x.X)
		}
		return s.contextTyped(x.X) && s.contextTyped(x.Y)
	case *ast.UnaryExpr:
		return x.Op != token.ARROW && x.Op != token.AND && s.contextTyped(x.X)
	}
	return false
}

func untypedObject(obj types.Object) bool {
	switch o := obj.(type) {
	case *types.Const:
		b, ok := o.Type().(*types.Basic)
		return ok && b.Info()&types.IsUntyped != 0
	case *types.Nil:
		return true
	}
	return false
}

func (s *probeSelector) considerIdent(id *ast.Ident) {
	if id.Name == "_" || !s.wrappableValue(id) {
		return
	}
	v, ok := s.info.Uses[id].(*types.Var)
	if !ok || v.IsField() {
		return
	}
	s.addExpression(id.Pos(), id.End())
}

func (s *probeSelector) considerSelector(sel *ast.SelectorExpr) {
	if selection, ok := s.info.Selections[sel]; ok {
		switch selection.Kind() {
		case types.FieldVal:
			if s.wrappableValue(sel) {
				s.addExpression(sel.Pos(), sel.End())
			}
		case types.MethodVal:
			// a pointer method on a non-pointer operand takes the address of the operand
			if fn, ok := selection.Obj().(*types.Func); ok {
				if sig, ok := fn.Type().(*types.Signature); ok && sig.Recv() != nil {
					_, ptrRecv := sig.Recv().Type().Underlying().(*types.Pointer)
					_, ptrOperand := selection.Recv().Underlying().(*types.Pointer)
					if ptrRecv && !ptrOperand {
						s.markAddressable(sel.X)
					}
				}
			}
		}
		return
	}
	// qualified identifier
	if v, ok := s.info.Uses[sel.Sel].(*types.Var); ok && !v.IsField() && s.wrappableValue(sel) {
		s.addExpression(sel.Pos(), sel.End())
	}
}

func (s *probeSelector) addExpression(start, end token.Pos) {
	if !lineInRanges(s.ranges, s.line(start)) {
		return
	}
	s.result = append(s.result, Selection{
		Kind:  ProbeExpression,
		Span:  s.span(start, end),
		Start: s.tfile.Offset(start),
		End:   s.tfile.Offset(end),
	})
}

func (s *probeSelector) selectParams(ftype *ast.FuncType, body *ast.BlockStmt) {
	if body == nil || ftype.Params == nil || !lineInRanges(s.ranges, s.line(ftype.Params.Pos())) {
		return
	}
	bodyOffset := s.tfile.Offset(body.Lbrace) + 1
	for _, field := range ftype.Params.List {
		for _, name := range field.Names {
			if name.Name == "_" || !name.Pos().IsValid() {
				continue
			}
			s.result = append(s.result, Selection{
				Kind:       ProbeParameter,
				Name:       name.Name,
				Span:       s.span(name.Pos(), name.End()),
				Start:      s.tfile.Offset(name.Pos()),
				End:        s.tfile.Offset(name.End()),
				BodyOffset: bodyOffset,
			})
		}
	}
}
