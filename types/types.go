// Package types is a super-package that contains the leaf types gamelink needs everywhere,
// such as candidates, connection types, socket abstractions, and wire codecs in child packages.
//
// This package exists to avoid import cycles, and to collect all misc/"leaf" functions and types into one hierarchy.
//
// As a general rule to avoid import cycles inside this package:
//   - Only import parent packages, don't import child packages
//   - Importing from a "sibling" package (up the tree) is allowed.
package types
