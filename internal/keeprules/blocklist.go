package keeprules

import "github.com/sirupsen/logrus"

// defaultBlocklistedRules are rules the optimizer ships as known-redundant.
// The resource-ID fields rule exists to protect ProGuard runs that happen
// before resource processing, which is not the case here; the catch-all
// keepnames rule defeats renaming wholesale.
const defaultBlocklistedRules = `
  -keepclassmembers class **.R$* {
    public static <fields>;
  }

  -keepnames class *
`

// blanketNativeRules are the eight templates that keep all native methods
// and their enclosing classes.
const blanketNativeRules = `
  -keep class * { native <methods>; }
  -keepclassmembers class * { native <methods>; }
  -keepclasseswithmembers class * { native <methods>; }
  -keepclasseswithmembernames class * { native <methods>; }
  -keep,includedescriptorclasses class ** { native <methods>; }
  -keepclassmembers,includedescriptorclasses class ** { native <methods>; }
  -keepclasseswithmembers,includedescriptorclasses class ** { native <methods>; }
  -keepclasseswithmembernames,includedescriptorclasses class ** { native <methods>; }
`

// RemoveBlocklistedRules parses rules into a scratch database and removes
// every structurally equal rule from cfg's keep set, returning the number
// removed.
func RemoveBlocklistedRules(rules string, cfg *Config, log *logrus.Logger) int {
	blocklist := NewConfig()
	Parse([]byte(rules), blocklist, "<internal blocklist>", log)

	return cfg.KeepRules.EraseIf(func(ks *KeepSpec) bool {
		for _, blocked := range blocklist.KeepRules.All() {
			if ks.Equal(blocked) {
				return true
			}
		}
		return false
	})
}

// RemoveDefaultBlocklistedRules removes the built-in blocklist from cfg.
func RemoveDefaultBlocklistedRules(cfg *Config, log *logrus.Logger) int {
	return RemoveBlocklistedRules(defaultBlocklistedRules, cfg, log)
}

// IdentifyBlanketNativeRules partitions cfg's keep rules so that blanket
// native rules sit at the tail (order otherwise preserved), records the
// partition boundary on cfg, and returns the number of rules in the
// partition. Downstream reachability analysis uses the partition to measure
// the blanket rules' contribution in isolation.
func IdentifyBlanketNativeRules(cfg *Config, log *logrus.Logger) int {
	templates := NewConfig()
	Parse([]byte(blanketNativeRules), templates, "<blanket native rules>", log)

	boundary := cfg.KeepRules.StablePartition(func(ks *KeepSpec) bool {
		for _, tmpl := range templates.KeepRules.All() {
			if matchesBlanketTemplate(ks, tmpl) {
				return false
			}
		}
		return true
	})
	cfg.KeepRulesNativeBegin = boundary
	return cfg.KeepRules.Len() - boundary
}

// matchesBlanketTemplate compares a rule against a blanket-native template.
// Class-level access modifiers don't change the blanket shape ("keep all
// public classes with native methods" is still a blanket rule), so they are
// masked out of the comparison.
func matchesBlanketTemplate(ks, tmpl *KeepSpec) bool {
	masked := *ks
	masked.ClassSpec.SetAccess = tmpl.ClassSpec.SetAccess
	masked.ClassSpec.UnsetAccess = tmpl.ClassSpec.UnsetAccess
	return masked.Equal(tmpl)
}
