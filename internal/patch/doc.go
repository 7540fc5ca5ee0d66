// Sequences and applies user patches against extracted source trees.
//
// Patches are cached under deterministic NNNN_ prefixes so lexicographic
// order is application order, and stale entries are pruned when the
// requested set shrinks. Application delegates to patch(1) in forward-only,
// reject-if-applied mode.
package patch
