// Substitutes pre-built artifact bundles for builder pipelines.
//
// Dropping bypass.<builder>.tar.gz into the user sources directory makes
// that builder's checks pass unconditionally and replaces extraction-
// relevant stages with unpacking the bundle into the output directory. A
// canary file records the extraction so repeated runs skip it until the
// bundle itself changes.
package bypass
