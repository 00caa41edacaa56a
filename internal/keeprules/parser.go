package keeprules

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dexpack/dexpack/internal/ir"
)

// tokenIndex is the parser's cursor over the token sequence. next skips
// comment tokens; showContext renders the surrounding lines for
// diagnostics.
type tokenIndex struct {
	toks []Token
	pos  int
}

func newTokenIndex(toks []Token) *tokenIndex {
	idx := &tokenIndex{toks: toks}
	idx.skipComments()
	return idx
}

func (i *tokenIndex) skipComments() {
	for i.pos < len(i.toks) && i.toks[i.pos].Type == TokComment {
		i.pos++
	}
}

func (i *tokenIndex) cur() Token { return i.toks[i.pos] }

func (i *tokenIndex) typ() TokenType { return i.cur().Type }

func (i *tokenIndex) data() string { return i.cur().Data }

func (i *tokenIndex) line() int { return i.cur().Line }

func (i *tokenIndex) show() string { return i.cur().Show() }

// next advances past the current token and any comments that follow. It
// never advances past the end-of-input token.
func (i *tokenIndex) next() {
	if i.typ() == TokEOF {
		return
	}
	i.pos++
	i.skipComments()
}

func (i *tokenIndex) strNext() string {
	val := i.data()
	i.next()
	return val
}

// showContext renders the tokens on the current line and up to `lines`
// lines either side of it, marking the cursor token with !>...<!.
func (i *tokenIndex) showContext(lines int) string {
	thisLine := i.line()

	start := i.pos
	for start > 0 && i.toks[start-1].Line >= thisLine-lines {
		start--
	}
	end := i.pos
	for end < len(i.toks) && i.toks[end].Line <= thisLine+lines {
		end++
	}

	var sb strings.Builder
	lastLine := -1
	for p := start; p < end; p++ {
		tok := i.toks[p]
		if tok.Line != lastLine {
			if lastLine != -1 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%d: ", tok.Line)
			lastLine = tok.Line
		} else {
			sb.WriteByte(' ')
		}
		if p == i.pos {
			sb.WriteString("!>")
		}
		sb.WriteString(tok.Show())
		if p == i.pos {
			sb.WriteString("<!")
		}
	}
	return sb.String()
}

type parser struct {
	idx   *tokenIndex
	cfg   *Config
	stats *Stats
	log   *logrus.Logger
}

// diag records a diagnostic with the current context attached.
func (p *parser) diag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...) + "\n" + p.idx.showContext(2)
	p.stats.Diagnostics = append(p.stats.Diagnostics, msg)
	p.log.WithField("line", p.idx.line()).Warn(msg)
}

func (p *parser) skipToNextCommand() {
	for p.idx.typ() != TokEOF && !p.idx.cur().IsCommand() {
		p.idx.next()
	}
}

func (p *parser) parseSingleFilepathCommand() string {
	line := p.idx.line()
	p.idx.next() // consume the command token
	if p.idx.typ() == TokEOF {
		p.diag("Expecting at least one file as an argument but found end of file at line %d", line)
		return ""
	}
	if p.idx.cur().IsCommand() {
		p.diag("Expecting a file path argument but got command %s at line %d", p.idx.show(), p.idx.line())
		return ""
	}
	if p.idx.typ() != TokFilepath {
		p.diag("Expected a filepath but got %s at line %d", p.idx.show(), p.idx.line())
		return ""
	}
	return p.idx.strNext()
}

// parseFilepaths scans a run of filepath tokens. The non-optional variant
// emits a diagnostic on a bad leading token but still falls through to the
// (then empty) scan; callers depend on the empty result for their error
// counting.
func (p *parser) parseFilepaths(optional bool) []string {
	if p.idx.typ() != TokFilepath && !optional {
		p.diag("Expected filepath but got %s at line %d", p.idx.show(), p.idx.line())
	}
	var res []string
	for p.idx.typ() == TokFilepath {
		res = append(res, p.idx.strNext())
	}
	return res
}

func (p *parser) parseFilepathCommand() []string {
	line := p.idx.line()
	p.idx.next() // consume the command token
	if p.idx.typ() == TokEOF {
		p.diag("Expecting at least one file as an argument but found end of file at line %d", line)
		return nil
	}
	if p.idx.cur().IsCommand() {
		p.diag("Expecting a file path argument but got command %s at line %d", p.idx.show(), p.idx.line())
		return nil
	}
	if p.idx.typ() != TokFilepath {
		p.diag("Expected a filepath but got %s at line %d", p.idx.show(), p.idx.line())
		return nil
	}
	return p.parseFilepaths(false)
}

func (p *parser) parseOptionalFilepathCommand() []string {
	p.idx.next()
	return p.parseFilepaths(true)
}

func (p *parser) parseJars() []string {
	line := p.idx.line()
	p.idx.next() // consume the jar command token
	if p.idx.typ() == TokEOF {
		p.diag("Expecting at least one file as an argument but found end of file at line %d", line)
		return nil
	}
	return p.parseFilepaths(false)
}

func (p *parser) parseTarget() string {
	p.idx.next()
	if p.idx.typ() != TokTargetVersion {
		p.diag("Expected a target version but got %s at line %d", p.idx.show(), p.idx.line())
		return ""
	}
	return p.idx.strNext()
}

func (p *parser) parseRepackageClasses() {
	p.idx.next()
	if p.idx.typ() == TokIdentifier {
		p.diag("Ignoring -repackageclasses %s", p.idx.data())
		p.idx.next()
	}
}

// parseOptimizationPasses consumes the count token even when it is missing,
// reproducing the user-visible behavior of the original parser.
func (p *parser) parseOptimizationPasses() bool {
	p.idx.next()
	if p.idx.typ() == TokEOF {
		return false
	}
	p.idx.next()
	return true
}

func (p *parser) parseFilterListCommand() []string {
	p.idx.next()
	var filters []string
	for p.idx.typ() == TokFilterPattern {
		filters = append(filters, p.idx.strNext())
	}
	return filters
}

func isModifier(t TokenType) bool {
	switch t {
	case TokIncludeDescriptorClasses, TokAllowShrinking,
		TokAllowOptimization, TokAllowObfuscation:
		return true
	}
	return false
}

func (p *parser) parseModifiers(keep *KeepSpec) bool {
	for p.idx.typ() == TokComma {
		p.idx.next()
		if !isModifier(p.idx.typ()) {
			p.diag("Expected keep option modifier but found: %s at line number %d", p.idx.show(), p.idx.line())
			return false
		}
		switch p.idx.typ() {
		case TokIncludeDescriptorClasses:
			keep.IncludeDescriptorClasses = true
		case TokAllowShrinking:
			keep.AllowShrinking = true
		case TokAllowOptimization:
			keep.AllowOptimization = true
		case TokAllowObfuscation:
			keep.AllowObfuscation = true
		}
		p.idx.next()
	}
	return true
}

func processAccessModifier(t TokenType) (ir.AccessFlags, bool) {
	switch t {
	case TokPublic:
		return ir.AccPublic, true
	case TokPrivate:
		return ir.AccPrivate, true
	case TokProtected:
		return ir.AccProtected, true
	case TokStatic:
		return ir.AccStatic, true
	case TokFinal:
		return ir.AccFinal, true
	case TokAbstract:
		return ir.AccAbstract, true
	case TokSynthetic:
		return ir.AccSynthetic, true
	case TokVolatile:
		return ir.AccVolatile, true
	case TokNative:
		return ir.AccNative, true
	case TokTransient:
		return ir.AccTransient, true
	}
	return 0, false
}

func isNegationOrClassAccessModifier(t TokenType) bool {
	switch t {
	case TokNot, TokPublic, TokPrivate, TokProtected, TokFinal, TokAbstract,
		TokSynthetic, TokNative, TokStatic, TokVolatile, TokTransient:
		return true
	}
	return false
}

// parseAccessFlags accumulates (possibly negated) access modifiers into the
// set/unset sides. A flag appearing on both sides is a parse error. A '!'
// that is not followed by an access modifier is left for the class token.
func (p *parser) parseAccessFlags(set, unset *ir.AccessFlags) bool {
	for isNegationOrClassAccessModifier(p.idx.typ()) {
		saved := *p.idx
		negated := false
		if p.idx.typ() == TokNot {
			negated = true
			p.idx.next()
		}
		flag, ok := processAccessModifier(p.idx.typ())
		if !ok {
			*p.idx = saved
			break
		}
		p.idx.next()
		if negated {
			if set.Has(flag) {
				p.diag("Access flag %s occurs with conflicting settings at line %d", p.idx.show(), p.idx.line())
				return false
			}
			*unset |= flag
		} else {
			if unset.Has(flag) {
				p.diag("Access flag %s occurs with conflicting settings at line %d", p.idx.show(), p.idx.line())
				return false
			}
			*set |= flag
		}
	}
	return true
}

// parseClassToken parses [!](class|interface|enum|@interface).
func (p *parser) parseClassToken(set, unset *ir.AccessFlags) bool {
	negated := false
	if p.idx.typ() == TokNot {
		negated = true
		p.idx.next()
	}
	target := set
	if negated {
		target = unset
	}
	switch p.idx.typ() {
	case TokInterface:
		*target |= ir.AccInterface
	case TokEnum:
		*target |= ir.AccEnum
	case TokAnnotation:
		*target |= ir.AccAnnotation
	case TokClass:
	default:
		p.diag("Expected interface, class or enum but got %s at line number %d", p.idx.show(), p.idx.line())
		return false
	}
	p.idx.next()
	return true
}

func (p *parser) consumeToken(t TokenType) bool {
	if p.idx.typ() != t {
		p.diag("Unexpected token %s", p.idx.show())
		return false
	}
	p.idx.next()
	return true
}

func (p *parser) gobbleSemicolon() bool {
	if !p.consumeToken(TokSemiColon) {
		p.diag("Expecting a semicolon but found %s at line %d", p.idx.show(), p.idx.line())
		return false
	}
	return true
}

func (p *parser) skipToSemicolon() {
	for p.idx.typ() != TokSemiColon && p.idx.typ() != TokEOF {
		p.idx.next()
	}
	if p.idx.typ() == TokSemiColon {
		p.idx.next()
	}
}

func (p *parser) parseAnnotationType() string {
	if p.idx.typ() != TokAnnotationApplication {
		return ""
	}
	p.idx.next()
	if p.idx.typ() != TokIdentifier {
		p.diag("Expecting a class identifier after @ but got %s at line %d", p.idx.show(), p.idx.line())
		return ""
	}
	typ := p.idx.data()
	p.idx.next()
	return ConvertWildcardType(typ)
}

func (p *parser) parseMemberSpecification(classSpec *ClassSpec, allowReturn bool) bool {
	var member MemberSpec
	member.AnnotationType = p.parseAnnotationType()
	if !p.parseAccessFlags(&member.RequiredSetAccess, &member.RequiredUnsetAccess) {
		p.diag("Problem parsing access flags for member specification.")
		p.skipToSemicolon()
		return false
	}
	if p.idx.typ() != TokIdentifier {
		p.diag("Expecting field or member specification but got %s at line %d", p.idx.show(), p.idx.line())
		p.skipToSemicolon()
		return false
	}
	switch ident := p.idx.data(); ident {
	case "*":
		p.idx.next()
		if !p.gobbleSemicolon() {
			return false
		}
		classSpec.MethodSpecs = append(classSpec.MethodSpecs, member)
		classSpec.FieldSpecs = append(classSpec.FieldSpecs, member)
		return true
	case "<methods>":
		p.idx.next()
		if !p.gobbleSemicolon() {
			return false
		}
		classSpec.MethodSpecs = append(classSpec.MethodSpecs, member)
		return true
	case "<fields>":
		p.idx.next()
		if !p.gobbleSemicolon() {
			return false
		}
		classSpec.FieldSpecs = append(classSpec.FieldSpecs, member)
		return true
	case "<init>":
		member.Name = "<init>"
		member.Descriptor = "V"
		member.RequiredSetAccess |= ir.AccConstructor
		p.idx.next()
	default:
		// This identifier is the type of the member specification.
		member.Descriptor = ConvertWildcardType(p.idx.data())
		p.idx.next()
		if p.idx.typ() != TokIdentifier {
			p.diag("Expecting identifier name for class member but got %s at line %d", p.idx.show(), p.idx.line())
			p.skipToSemicolon()
			return false
		}
		member.Name = p.idx.strNext()
	}
	// A parenthesized argument list makes this a method specification.
	if p.idx.typ() == TokOpenBracket {
		p.consumeToken(TokOpenBracket)
		arg := "("
		for {
			if p.idx.typ() == TokCloseBracket {
				p.consumeToken(TokCloseBracket)
				break
			}
			if p.idx.typ() != TokIdentifier {
				p.diag("Expecting type identifier but got %s at line %d", p.idx.show(), p.idx.line())
				return false
			}
			typ := p.idx.data()
			p.consumeToken(TokIdentifier)
			arg += ConvertWildcardType(typ)
			if p.idx.typ() != TokComma && p.idx.typ() != TokCloseBracket {
				p.diag("Expecting comma or ) but got %s at line %d", p.idx.show(), p.idx.line())
				return false
			}
			if p.idx.typ() == TokComma {
				p.consumeToken(TokComma)
				if p.idx.typ() != TokIdentifier {
					p.diag("Expecting type identifier after comma but got %s at line %d", p.idx.show(), p.idx.line())
					return false
				}
			}
		}
		arg += ")"
		arg += member.Descriptor
		member.Descriptor = arg
	}
	if allowReturn && p.idx.typ() == TokReturns {
		p.idx.next()
		switch p.idx.data() {
		case "true":
			member.ReturnValue = ReturnValue{IsBool: true, Value: true}
			p.idx.next()
		case "false":
			member.ReturnValue = ReturnValue{IsBool: true, Value: false}
			p.idx.next()
		}
	}
	if !p.gobbleSemicolon() {
		return false
	}
	if member.Descriptor != "" && member.Descriptor[0] == '(' {
		classSpec.MethodSpecs = append(classSpec.MethodSpecs, member)
	} else {
		classSpec.FieldSpecs = append(classSpec.FieldSpecs, member)
	}
	return true
}

func (p *parser) parseMemberSpecifications(classSpec *ClassSpec, allowReturn bool) bool {
	ok := true
	if p.idx.typ() == TokOpenCurly {
		p.idx.next()
		for p.idx.typ() != TokCloseCurly && p.idx.typ() != TokEOF {
			if !p.parseMemberSpecification(classSpec, allowReturn) {
				p.skipToSemicolon()
				ok = false
			}
		}
		if p.idx.typ() == TokCloseCurly {
			p.idx.next()
		}
	}
	return ok
}

func (p *parser) parseClassName() (string, bool) {
	if p.idx.typ() != TokIdentifier {
		p.diag("Expected class name but got %s at line %d", p.idx.show(), p.idx.line())
		return "", false
	}
	return p.idx.strNext(), true
}

func (p *parser) parseClassNames(names *[]ClassNameSpec) bool {
	parseOne := func() bool {
		negated := false
		if p.idx.typ() == TokNot {
			negated = true
			p.idx.next()
		}
		name, ok := p.parseClassName()
		if !ok {
			return false
		}
		*names = append(*names, ClassNameSpec{Name: name, Negated: negated})
		return true
	}

	if !parseOne() {
		return false
	}
	for p.idx.typ() == TokComma {
		p.idx.next()
		if !parseOne() {
			return false
		}
	}
	return true
}

func (p *parser) parseClassSpecification(allowReturn bool) (ClassSpec, bool) {
	var classSpec ClassSpec
	classSpec.AnnotationType = p.parseAnnotationType()
	if !p.parseAccessFlags(&classSpec.SetAccess, &classSpec.UnsetAccess) {
		p.diag("Problem parsing access flags for class specification.")
		return classSpec, false
	}
	if !p.parseClassToken(&classSpec.SetAccess, &classSpec.UnsetAccess) {
		return classSpec, false
	}
	if !p.parseClassNames(&classSpec.ClassNames) {
		return classSpec, false
	}
	ok := true
	// Parse extends/implements if present, treating implements like extends.
	if p.idx.typ() == TokExtends || p.idx.typ() == TokImplements {
		p.idx.next()
		classSpec.ExtendsAnnotationType = p.parseAnnotationType()
		if p.idx.typ() != TokIdentifier {
			p.diag("Expecting a class name after extends/implements but got %s at line %d", p.idx.show(), p.idx.line())
			ok = false
			classSpec.ExtendsClassName = ""
		} else {
			classSpec.ExtendsClassName = p.idx.strNext()
		}
	}
	memberOK := p.parseMemberSpecifications(&classSpec, allowReturn)
	if !ok || !memberOK {
		return classSpec, false
	}
	sort.SliceStable(classSpec.FieldSpecs, func(i, j int) bool {
		return classSpec.FieldSpecs[i].Name < classSpec.FieldSpecs[j].Name
	})
	sort.SliceStable(classSpec.MethodSpecs, func(i, j int) bool {
		return classSpec.MethodSpecs[i].Name < classSpec.MethodSpecs[j].Name
	})
	return classSpec, true
}

// keepSpecDesc describes one directive of the keep family: which set it
// lands in and which flags it implies.
type keepSpecDesc struct {
	tokenType         TokenType
	specSet           func(*Config) *KeepSpecSet
	markClasses       bool
	markConditionally bool
	allowShrinking    bool
	allowReturn       bool
}

var keepSpecs = []keepSpecDesc{
	{TokKeep, func(c *Config) *KeepSpecSet { return &c.KeepRules }, true, false, false, false},
	{TokKeepClassMembers, func(c *Config) *KeepSpecSet { return &c.KeepRules }, false, false, false, false},
	{TokKeepClassesWithMembers, func(c *Config) *KeepSpecSet { return &c.KeepRules }, false, true, false, false},
	{TokKeepNames, func(c *Config) *KeepSpecSet { return &c.KeepRules }, true, false, true, false},
	{TokKeepClassMemberNames, func(c *Config) *KeepSpecSet { return &c.KeepRules }, false, false, true, false},
	{TokKeepClassesWithMemberNames, func(c *Config) *KeepSpecSet { return &c.KeepRules }, false, true, true, false},
	{TokAssumeNoSideEffects, func(c *Config) *KeepSpecSet { return &c.AssumeNoSideEffects }, false, false, false, true},
	{TokAssumeValues, func(c *Config) *KeepSpecSet { return &c.AssumeValues }, false, false, false, true},
	{TokWhyAreYouKeeping, func(c *Config) *KeepSpecSet { return &c.WhyAreYouKeepingRules }, false, false, false, false},
}

// parseKeep parses one keep(-like) clause. A clause that fails modifier
// parsing records nothing; a clause whose class specification fails is
// still recorded partially populated.
func (p *parser) parseKeep(desc keepSpecDesc, filename string, line int) bool {
	p.idx.next() // consume the keep token
	keep := &KeepSpec{
		MarkClasses:       desc.markClasses,
		MarkConditionally: desc.markConditionally,
		AllowShrinking:    desc.allowShrinking,
		SourceFilename:    filename,
		SourceLine:        line,
	}
	if !p.parseModifiers(keep) {
		p.skipToNextCommand()
		return false
	}
	classSpec, ok := p.parseClassSpecification(desc.allowReturn)
	keep.ClassSpec = classSpec
	desc.specSet(p.cfg).Add(keep)
	return ok
}

func (p *parser) run(filename string) {
	checkEmpty := func(val []string) {
		if len(val) == 0 {
			p.stats.ParseErrors++
		}
	}

	for p.idx.typ() != TokEOF {
		line := p.idx.line()
		if !p.idx.cur().IsCommand() {
			p.diag("Expecting command but found %s at line %d", p.idx.show(), p.idx.line())
			p.idx.next()
			p.skipToNextCommand()
			p.stats.UnknownCommands++
			continue
		}

		switch t := p.idx.typ(); t {
		case TokInclude:
			fp := p.parseFilepathCommand()
			p.cfg.Includes = append(p.cfg.Includes, fp...)
			checkEmpty(fp)
		case TokBaseDirectory:
			sfc := p.parseSingleFilepathCommand()
			p.cfg.BaseDirectory = sfc
			if sfc == "" {
				p.stats.ParseErrors++
			}
		case TokInJars:
			jars := p.parseJars()
			p.cfg.InJars = append(p.cfg.InJars, jars...)
			checkEmpty(jars)
		case TokOutJars:
			jars := p.parseJars()
			p.cfg.OutJars = append(p.cfg.OutJars, jars...)
			checkEmpty(jars)
		case TokLibraryJars:
			jars := p.parseJars()
			p.cfg.LibraryJars = append(p.cfg.LibraryJars, jars...)
			checkEmpty(jars)
		case TokKeepDirectories:
			fp := p.parseFilepathCommand()
			p.cfg.KeepDirectories = append(p.cfg.KeepDirectories, fp...)
			checkEmpty(fp)
		case TokTarget:
			if target := p.parseTarget(); target != "" {
				p.cfg.TargetVersion = target
			}
		case TokDontSkipNonPublicLibraryClasses:
			// Silently ignored; neither variant is supported.
			p.idx.next()
		case TokKeep, TokKeepClassMembers, TokKeepClassesWithMembers,
			TokKeepNames, TokKeepClassMemberNames, TokKeepClassesWithMemberNames,
			TokAssumeNoSideEffects, TokAssumeValues, TokWhyAreYouKeeping:
			for _, desc := range keepSpecs {
				if desc.tokenType == t {
					if !p.parseKeep(desc, filename, line) {
						p.stats.ParseErrors++
					}
					break
				}
			}
		case TokPrintSeeds:
			p.cfg.PrintSeeds = append(p.cfg.PrintSeeds, p.parseOptionalFilepathCommand()...)
		case TokPrintUsage:
			p.cfg.PrintUsage = append(p.cfg.PrintUsage, p.parseOptionalFilepathCommand()...)
		case TokPrintMapping:
			p.cfg.PrintMapping = append(p.cfg.PrintMapping, p.parseOptionalFilepathCommand()...)
		case TokPrintConfiguration:
			p.cfg.PrintConfiguration = append(p.cfg.PrintConfiguration, p.parseOptionalFilepathCommand()...)
		case TokDontShrink:
			p.idx.next()
			p.cfg.Shrink = false
		case TokDontOptimize:
			p.idx.next()
			p.cfg.Optimize = false
		case TokOptimizations:
			fl := p.parseFilterListCommand()
			p.cfg.OptimizationFilters = append(p.cfg.OptimizationFilters, fl...)
			checkEmpty(fl)
		case TokOptimizationPasses:
			if !p.parseOptimizationPasses() {
				p.stats.ParseErrors++
			}
		case TokAllowAccessModification:
			p.idx.next()
			p.cfg.AllowAccessModification = true
		case TokDontObfuscate:
			p.idx.next()
			p.cfg.DontObfuscate = true
		case TokRepackageClasses:
			p.parseRepackageClasses()
		case TokKeepAttributes:
			fl := p.parseFilterListCommand()
			p.cfg.KeepAttributes = append(p.cfg.KeepAttributes, fl...)
			checkEmpty(fl)
		case TokDontUseMixedCaseClassNames:
			p.idx.next()
			p.cfg.DontUseMixedCaseClassNames = true
		case TokKeepPackageNames:
			fl := p.parseFilterListCommand()
			p.cfg.KeepPackageNames = append(p.cfg.KeepPackageNames, fl...)
			checkEmpty(fl)
		case TokDontPreverify:
			p.idx.next()
			p.cfg.DontPreverify = true
		case TokDontWarn:
			fl := p.parseFilterListCommand()
			p.cfg.DontWarn = append(p.cfg.DontWarn, fl...)
			checkEmpty(fl)
		case TokVerbose:
			p.idx.next()
			p.cfg.Verbose = true
		default:
			// A recognized-as-command token with no handler. Dropping
			// -dontnote is benign; everything else is reported.
			if p.idx.data() != "-dontnote" {
				p.diag("Unimplemented command (skipping): %s at line %d", p.idx.show(), p.idx.line())
				p.stats.Unimplemented++
			}
			p.idx.next()
			p.skipToNextCommand()
		}
	}
}

func nopLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// Parse lexes and parses one configuration source into cfg. Any unknown
// token aborts semantic work on the file; parse-level problems are counted
// in the returned Stats and clear cfg.OK.
func Parse(src []byte, cfg *Config, filename string, log *logrus.Logger) Stats {
	if log == nil {
		log = nopLogger()
	}
	var stats Stats

	toks := Lex(src)
	for _, tok := range toks {
		if tok.Type == TokUnknown {
			stats.UnknownTokens++
		}
	}
	if stats.UnknownTokens != 0 {
		log.WithFields(logrus.Fields{
			"file":   filename,
			"tokens": stats.UnknownTokens,
		}).Error("found unknown tokens")
		cfg.OK = false
		return stats
	}

	p := &parser{idx: newTokenIndex(toks), cfg: cfg, stats: &stats, log: log}
	p.run(filename)

	if stats.ParseErrors == 0 {
		cfg.OK = true
	} else {
		cfg.OK = false
		log.WithFields(logrus.Fields{
			"file":   filename,
			"errors": stats.ParseErrors,
		}).Error("found parse errors")
	}
	return stats
}

// ParseFile parses path and then every file it transitively includes. Each
// include is parsed at most once; paths are resolved against the
// configuration's base directory when one is set.
func ParseFile(path string, cfg *Config, log *logrus.Logger) (Stats, error) {
	var stats Stats
	src, err := os.ReadFile(path)
	if err != nil {
		return stats, fmt.Errorf("reading keep-rule file: %w", err)
	}
	stats.Accumulate(Parse(src, cfg, path, log))

	// The include list may keep growing while we parse included files.
	for i := 0; i < len(cfg.Includes); i++ {
		included := cfg.Includes[i]
		if cfg.AlreadyIncluded[included] {
			continue
		}
		cfg.AlreadyIncluded[included] = true
		resolved := included
		if cfg.BaseDirectory != "" && !filepath.IsAbs(included) {
			resolved = filepath.Join(cfg.BaseDirectory, included)
		}
		sub, err := ParseFile(resolved, cfg, log)
		stats.Accumulate(sub)
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}
