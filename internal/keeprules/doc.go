// Package keeprules implements the shrinker keep-rule front end: a
// context-sensitive lexer and a recursive-descent parser that turn one or
// more configuration files (with transitive -include resolution) into a
// typed rule database.
//
// The parser never fails hard. Lexing a file with unrecognizable input
// suppresses all semantic work on that file; every other problem is
// reported as a diagnostic with two lines of token context, counted in the
// returned Stats, and parsing resumes at the next directive. Callers decide
// what to do with a database whose OK flag is cleared.
//
// Two post-parse passes reshape the database: RemoveDefaultBlocklistedRules
// deletes known-redundant rules by structural equality, and
// IdentifyBlanketNativeRules moves the "keep all native methods" templates
// to a tail partition so their reachability contribution can be analyzed in
// isolation.
package keeprules
