// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package node provides ready-made resources for the engine's node tree: a
// directory node holding named children, variable nodes backed by accessor
// functions, and a timer node.
package node
