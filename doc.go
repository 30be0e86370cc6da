/*
Package stela implements a document transmission engine for French local
authorities: administrative acts and treasury payment flux are scanned,
packaged, optionally routed through an electronic signing circuit, and
delivered to the state platforms.

# Overview

Local authorities must transmit two families of documents:

  - actes: deliberations, decrees and contracts sent to the prefecture
    for legality control, packaged as tar.gz archives following the
    ACTES naming grammar and CLMISILL XML descriptors
  - flux: PES payment files sent to the treasury, validated for XAdES
    signatures and optionally signed through the Sesile circuit

Every document moves through an append-only status history; each stage
of the pipeline appends one entry and the engine reacts to it by running
the next stage.

# Package Structure

	github.com/sophyphreak/stela/pkg/archive    - archive naming grammar, descriptors and tar.gz building
	github.com/sophyphreak/stela/pkg/signature  - XAdES signature defect analysis
	github.com/sophyphreak/stela/pkg/sesile     - signing circuit client
	github.com/sophyphreak/stela/pkg/antivirus  - ClamAV scanning gate
	github.com/sophyphreak/stela/pkg/sequence   - per-day delivery number allocation
	github.com/sophyphreak/stela/internal/engine  - the pipeline itself
	github.com/sophyphreak/stela/internal/storage - MongoDB and in-memory stores

The stela-engine command under cmd/ wires everything together from a
YAML configuration file.
*/
package stela
