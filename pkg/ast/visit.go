package ast

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Visitor interface {
	Visit(n Node) error
}

// SkipChildren may be returned by Visit to skip the children of a node.
var SkipChildren = errors.New("skip children")

// Walk calls v.Visit for n and then, depth first, for every descendant.
func Walk(v Visitor, n Node) error {
	if n == nil {
		return nil
	}
	if err := v.Visit(n); err != nil {
		if err == SkipChildren {
			return nil
		}
		return err
	}
	for _, c := range Children(n) {
		if err := Walk(v, c); err != nil {
			return err
		}
	}
	return nil
}

type inspector func(Node) bool

func (f inspector) Visit(n Node) error {
	if !f(n) {
		return SkipChildren
	}
	return nil
}

// Inspect traverses the tree calling f for each node; returning false skips
// the node's children.
func Inspect(n Node, f func(Node) bool) {
	_ = Walk(inspector(f), n)
}

func appendExprs(out []Node, es ...Expr) []Node {
	for _, e := range es {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func appendBody(out []Node, body []Node) []Node {
	return append(out, body...)
}

func appendArgs(out []Node, a CallArgs) []Node {
	out = appendExprs(out, a.Positional...)
	for _, k := range a.Keywords {
		out = appendExprs(out, k.Value)
	}
	return appendExprs(out, a.DynArgs, a.DynKwargs)
}

func appendParams(out []Node, ps []Param) []Node {
	for _, p := range ps {
		out = appendExprs(out, p.Default)
	}
	return out
}

// Children returns the direct children of n in source order.
func Children(n Node) []Node {
	var out []Node
	switch t := n.(type) {
	case *Document:
		out = appendBody(out, t.Nodes)
	case *OutputNode:
		out = appendExprs(out, t.Expr)
	case *SetNode:
		out = appendExprs(out, t.Target, t.Value)
	case *SetBlockNode:
		out = appendExprs(out, t.Target)
		for _, f := range t.Filters {
			out = append(out, f)
		}
		out = appendBody(out, t.Body)
	case *IfNode:
		out = appendExprs(out, t.Cond)
		out = appendBody(out, t.Then)
		for _, e := range t.Elifs {
			out = appendExprs(out, e.Cond)
			out = appendBody(out, e.Body)
		}
		out = appendBody(out, t.Else)
	case *ForNode:
		out = appendExprs(out, t.Target, t.Iter, t.Test)
		out = appendBody(out, t.Body)
		out = appendBody(out, t.Else)
	case *BlockNode:
		out = appendBody(out, t.Body)
	case *ExtendsNode:
		out = appendExprs(out, t.Template)
	case *IncludeNode:
		out = appendExprs(out, t.Template)
	case *ImportNode:
		out = appendExprs(out, t.Template)
	case *FromImportNode:
		out = appendExprs(out, t.Template)
	case *MacroNode:
		out = appendParams(out, t.Params)
		out = appendBody(out, t.Body)
	case *CallBlockNode:
		out = appendParams(out, t.Params)
		out = append(out, t.Call)
		out = appendBody(out, t.Body)
	case *FilterBlockNode:
		for _, f := range t.Filters {
			out = append(out, f)
		}
		out = appendBody(out, t.Body)
	case *DoNode:
		out = appendExprs(out, t.Expr)
	case *WithNode:
		out = appendExprs(out, t.Targets...)
		out = appendExprs(out, t.Values...)
		out = appendBody(out, t.Body)
	case *AutoescapeNode:
		out = appendExprs(out, t.Enabled)
		out = appendBody(out, t.Body)
	case *CallExtensionNode:
		out = appendExprs(out, t.Args...)
		for _, b := range t.Bodies {
			out = appendBody(out, b)
		}
	case *Getattr:
		out = appendExprs(out, t.Node)
	case *Getitem:
		out = appendExprs(out, t.Node, t.Arg)
	case *Slice:
		out = appendExprs(out, t.Start, t.Stop, t.Step)
	case *Unary:
		out = appendExprs(out, t.Node)
	case *Binary:
		out = appendExprs(out, t.Left, t.Right)
	case *Concat:
		out = appendExprs(out, t.Nodes...)
	case *Compare:
		out = appendExprs(out, t.Expr)
		for _, o := range t.Ops {
			out = appendExprs(out, o.Expr)
		}
	case *CondExpr:
		out = appendExprs(out, t.Test, t.Then, t.Else)
	case *Call:
		out = appendExprs(out, t.Node)
		out = appendArgs(out, t.CallArgs)
	case *Filter:
		out = appendExprs(out, t.Node)
		out = appendArgs(out, t.CallArgs)
	case *Test:
		out = appendExprs(out, t.Node)
		out = appendArgs(out, t.CallArgs)
	case *Tuple:
		out = appendExprs(out, t.Items...)
	case *List:
		out = appendExprs(out, t.Items...)
	case *Dict:
		for _, p := range t.Pairs {
			out = appendExprs(out, p.Key, p.Value)
		}
	}
	return out
}

// Pretty returns a line-oriented string representation of the AST.
func Pretty(doc *Document) string {
	var buf bytes.Buffer
	ppNode(&buf, 0, doc)
	return buf.String()
}

func ppBody(buf *bytes.Buffer, indent int, body []Node) {
	for _, c := range body {
		ppNode(buf, indent, c)
	}
}

func ppNode(buf *bytes.Buffer, indent int, n Node) {
	buf.WriteString(strings.Repeat(" ", indent))
	switch t := n.(type) {
	case *Document:
		buf.WriteString("Document\n")
		ppBody(buf, indent+2, t.Nodes)
	case *TextNode:
		fmt.Fprintf(buf, "Text(%q)\n", t.Text)
	case *OutputNode:
		fmt.Fprintf(buf, "Output(%s)\n", String(t.Expr))
	case *SetNode:
		fmt.Fprintf(buf, "Set(%s = %s)\n", String(t.Target), String(t.Value))
	case *SetBlockNode:
		fmt.Fprintf(buf, "SetBlock(%s%s)\n", String(t.Target), filterSuffix(t.Filters))
		ppBody(buf, indent+2, t.Body)
	case *IfNode:
		fmt.Fprintf(buf, "If(%s)\n", String(t.Cond))
		ppBody(buf, indent+2, t.Then)
		for _, e := range t.Elifs {
			buf.WriteString(strings.Repeat(" ", indent))
			fmt.Fprintf(buf, "Elif(%s)\n", String(e.Cond))
			ppBody(buf, indent+2, e.Body)
		}
		if len(t.Else) > 0 {
			buf.WriteString(strings.Repeat(" ", indent))
			buf.WriteString("Else\n")
			ppBody(buf, indent+2, t.Else)
		}
	case *ForNode:
		fmt.Fprintf(buf, "For(%s in %s", String(t.Target), String(t.Iter))
		if t.Test != nil {
			fmt.Fprintf(buf, " if %s", String(t.Test))
		}
		if t.Recursive {
			buf.WriteString(" recursive")
		}
		buf.WriteString(")\n")
		ppBody(buf, indent+2, t.Body)
		if len(t.Else) > 0 {
			buf.WriteString(strings.Repeat(" ", indent))
			buf.WriteString("Else\n")
			ppBody(buf, indent+2, t.Else)
		}
	case *RawNode:
		fmt.Fprintf(buf, "Raw(%q)\n", t.Text)
	case *BlockNode:
		fmt.Fprintf(buf, "Block(%s", t.Name)
		if t.Scoped {
			buf.WriteString(" scoped")
		}
		if t.Required {
			buf.WriteString(" required")
		}
		buf.WriteString(")\n")
		ppBody(buf, indent+2, t.Body)
	case *ExtendsNode:
		fmt.Fprintf(buf, "Extends(%s)\n", String(t.Template))
	case *IncludeNode:
		fmt.Fprintf(buf, "Include(%s ignore_missing=%t with_context=%t)\n", String(t.Template), t.IgnoreMissing, t.WithContext)
	case *ImportNode:
		fmt.Fprintf(buf, "Import(%s as %s with_context=%t)\n", String(t.Template), t.Target, t.WithContext)
	case *FromImportNode:
		names := make([]string, len(t.Names))
		for i, nm := range t.Names {
			names[i] = nm.Name
			if nm.Alias != "" {
				names[i] += " as " + nm.Alias
			}
		}
		fmt.Fprintf(buf, "FromImport(%s: %s with_context=%t)\n", String(t.Template), strings.Join(names, ", "), t.WithContext)
	case *MacroNode:
		fmt.Fprintf(buf, "Macro(%s(%s))\n", t.Name, paramString(t.Params))
		ppBody(buf, indent+2, t.Body)
	case *CallBlockNode:
		fmt.Fprintf(buf, "CallBlock((%s) %s)\n", paramString(t.Params), String(t.Call))
		ppBody(buf, indent+2, t.Body)
	case *FilterBlockNode:
		fmt.Fprintf(buf, "FilterBlock(%s)\n", strings.TrimPrefix(filterSuffix(t.Filters), "|"))
		ppBody(buf, indent+2, t.Body)
	case *DoNode:
		fmt.Fprintf(buf, "Do(%s)\n", String(t.Expr))
	case *WithNode:
		parts := make([]string, len(t.Targets))
		for i := range t.Targets {
			parts[i] = String(t.Targets[i]) + " = " + String(t.Values[i])
		}
		fmt.Fprintf(buf, "With(%s)\n", strings.Join(parts, ", "))
		ppBody(buf, indent+2, t.Body)
	case *AutoescapeNode:
		fmt.Fprintf(buf, "Autoescape(%s)\n", String(t.Enabled))
		ppBody(buf, indent+2, t.Body)
	case *BreakNode:
		buf.WriteString("Break\n")
	case *ContinueNode:
		buf.WriteString("Continue\n")
	case *CallExtensionNode:
		args := make([]string, len(t.Args))
		for i, a := range t.Args {
			args[i] = String(a)
		}
		fmt.Fprintf(buf, "CallExtension(%s.%s(%s))\n", t.Ext, t.Method, strings.Join(args, ", "))
		for _, b := range t.Bodies {
			ppBody(buf, indent+2, b)
		}
	case Expr:
		buf.WriteString(String(t))
		buf.WriteByte('\n')
	default:
		fmt.Fprintf(buf, "%T\n", n)
	}
}

func paramString(ps []Param) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.Name
		if p.Default != nil {
			parts[i] += "=" + String(p.Default)
		}
	}
	return strings.Join(parts, ", ")
}

func filterSuffix(fs []*Filter) string {
	var b strings.Builder
	for _, f := range fs {
		b.WriteString("|")
		b.WriteString(f.Name)
		if s := argString(f.CallArgs); s != "" {
			b.WriteString("(" + s + ")")
		}
	}
	return b.String()
}

func argString(a CallArgs) string {
	var parts []string
	for _, e := range a.Positional {
		parts = append(parts, String(e))
	}
	if a.DynArgs != nil {
		parts = append(parts, "*"+String(a.DynArgs))
	}
	for _, k := range a.Keywords {
		parts = append(parts, k.Name+"="+String(k.Value))
	}
	if a.DynKwargs != nil {
		parts = append(parts, "**"+String(a.DynKwargs))
	}
	return strings.Join(parts, ", ")
}

// String renders an expression back to (fully parenthesized) source form.
func String(e Node) string {
	switch t := e.(type) {
	case nil:
		return ""
	case *Const:
		switch v := t.Value.(type) {
		case nil:
			return "none"
		case string:
			return strconv.Quote(v)
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64)
		default:
			return fmt.Sprint(v)
		}
	case *Name:
		return t.Name
	case *NSRef:
		return t.Name + "." + t.Attr
	case *Getattr:
		return String(t.Node) + "." + t.Attr
	case *Getitem:
		return String(t.Node) + "[" + String(t.Arg) + "]"
	case *Slice:
		s := String(t.Start) + ":" + String(t.Stop)
		if t.Step != nil {
			s += ":" + String(t.Step)
		}
		return s
	case *Unary:
		if t.Op == "not" {
			return "(not " + String(t.Node) + ")"
		}
		return "(" + t.Op + String(t.Node) + ")"
	case *Binary:
		return "(" + String(t.Left) + " " + t.Op + " " + String(t.Right) + ")"
	case *Concat:
		parts := make([]string, len(t.Nodes))
		for i, n := range t.Nodes {
			parts[i] = String(n)
		}
		return "(" + strings.Join(parts, " ~ ") + ")"
	case *Compare:
		s := String(t.Expr)
		for _, o := range t.Ops {
			s += " " + o.Op + " " + String(o.Expr)
		}
		return "(" + s + ")"
	case *CondExpr:
		s := "(" + String(t.Then) + " if " + String(t.Test)
		if t.Else != nil {
			s += " else " + String(t.Else)
		}
		return s + ")"
	case *Call:
		return String(t.Node) + "(" + argString(t.CallArgs) + ")"
	case *Filter:
		s := String(t.Node) + "|" + t.Name
		if a := argString(t.CallArgs); a != "" {
			s += "(" + a + ")"
		}
		return s
	case *Test:
		s := String(t.Node) + " is " + t.Name
		if a := argString(t.CallArgs); a != "" {
			s += "(" + a + ")"
		}
		return "(" + s + ")"
	case *Tuple:
		parts := make([]string, len(t.Items))
		for i, n := range t.Items {
			parts[i] = String(n)
		}
		if len(parts) == 1 {
			return "(" + parts[0] + ",)"
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case *List:
		parts := make([]string, len(t.Items))
		for i, n := range t.Items {
			parts[i] = String(n)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Dict:
		parts := make([]string, len(t.Pairs))
		for i, p := range t.Pairs {
			parts[i] = String(p.Key) + ": " + String(p.Value)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("<%T>", e)
}
