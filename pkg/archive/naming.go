// Package archive builds the tar.gz transmission archives sent to the
// prefecture platform.
//
// An archive bundles an envelope descriptor, a message descriptor and the
// document files, all named by a strict grammar:
//
//	base      <dept>-<siren>-<yyyymmdd>-<number>-<natureAbbrev>-<tx>-<flux>
//	message   <base>_0.xml
//	document  <typeCode>-<base>_1.<ext>
//	annexes   <typeCode>-<base>_N.<ext>   (N >= 2)
//	envelope  EACT--<siren>--<yyyymmdd>-<deliveryNumber>.xml
//	archive   <trigraph>-<envelopeBaseNoExt>.tar.gz
package archive

import (
	"fmt"
	"strings"
	"time"
)

// Flux identifies the transaction kind embedded in the base filename
type Flux struct {
	Transaction int
	Number      int
}

var (
	// FluxTransmission is the nominal document transmission
	FluxTransmission = Flux{Transaction: 1, Number: 1}
	// FluxCancellation withdraws a previously transmitted document
	FluxCancellation = Flux{Transaction: 5, Number: 1}
	// FluxClassificationRequest asks for a nomenclature refresh
	FluxClassificationRequest = Flux{Transaction: 7, Number: 1}
)

// DefaultTypeCode is used when a file carries no attachment type
const DefaultTypeCode = "CO_DE"

// BaseFilename computes the shared stem for all files of one transmission
func BaseFilename(department, siren string, day time.Time, number, natureAbbrev string, flux Flux) string {
	return fmt.Sprintf("%s-%s-%s-%s-%s-%d-%d",
		department, siren, day.Format("20060102"), number, natureAbbrev,
		flux.Transaction, flux.Number)
}

// MessageFilename names the message descriptor. The message itself takes
// sequence 0; the primary document takes 1 and annexes follow.
func MessageFilename(base string) string {
	return fmt.Sprintf("%s_%d.xml", base, 0)
}

// FileFilename names the primary document (seq 1) or an annex (seq >= 2)
func FileFilename(typeCode, base string, seq int, originalName string) string {
	if typeCode == "" {
		typeCode = DefaultTypeCode
	}
	return fmt.Sprintf("%s-%s_%d.%s", typeCode, base, seq, extension(originalName))
}

// EnvelopeName names the envelope descriptor for a delivery
func EnvelopeName(siren string, day time.Time, deliveryNumber int) string {
	return fmt.Sprintf("EACT--%s--%s-%d.xml", siren, day.Format("20060102"), deliveryNumber)
}

// ArchiveName names the tar.gz from its envelope name
func ArchiveName(trigraph, envelopeName string) string {
	return fmt.Sprintf("%s-%s.tar.gz", trigraph, stripExtension(envelopeName))
}

func extension(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return ""
}

func stripExtension(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return name
}
