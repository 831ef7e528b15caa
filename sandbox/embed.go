package sandbox

import _ "embed"

// The image definition and the bootstrap script ship inside the binary so a
// fresh host can build the runner image and populate run sessions without
// any external files.

//go:embed assets/Dockerfile.runner
var imageDefinition string

//go:embed assets/prelude.py
var bootstrapScript string
