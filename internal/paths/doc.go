// Provides the directory layout for a build invocation.
//
// Every builder owns a build workspace under the shared build root and an
// output directory under the shared output root. The user sources directory
// is shared read-only input. The build root is tagged as a cache directory
// so backup tools skip it.
package paths
