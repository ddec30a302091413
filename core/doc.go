// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the concepts shared by every part of keyfeed: key
patterns, change events and the store contract.

Code in core must not depend on any transport, any particular store or
anything under internal/. It may import other core packages.
*/
package core
