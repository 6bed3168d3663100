// Package overlay implements the viewport-driven photo loading pipeline that
// places geotagged Wikimedia Commons files on a map.
//
// A host map reports viewport changes to an Overlay. The Controller decides
// whether the change warrants a geosearch query, keeps at most one query in
// flight (cancelling superseded ones), and hands fulfilled rows to the
// Accumulator, which filters unsupported files, drops rows already shown, and
// enriches the rest with upload.wikimedia.org URLs before they reach the
// Renderer.
package overlay
