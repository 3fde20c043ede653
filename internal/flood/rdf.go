package flood

import "fmt"

// RDFType names one of the RDF serialization formats used by the
// content-negotiation scenarios.
type RDFType string

const (
	Turtle  RDFType = "TURTLE"
	NTriple RDFType = "N_TRIPLES"
	JSONLD  RDFType = "JSON_LD"
	N3      RDFType = "N3"
	NQuads  RDFType = "N_QUADS"
	RDFXML  RDFType = "RDF_XML"
)

// RDFTypeValues lists all formats in a fixed order. RDF_XML is last on
// purpose: the content-negotiation scenarios exclude it by slicing the
// tail off this list.
var RDFTypeValues = []RDFType{Turtle, NTriple, JSONLD, N3, NQuads, RDFXML}

// RDFContentTypeMap gives the MIME type to request a format in.
var RDFContentTypeMap = map[RDFType]string{
	Turtle:  "text/turtle",
	NTriple: "application/n-triples",
	RDFXML:  "application/rdf+xml",
	JSONLD:  "application/ld+json",
	N3:      "text/n3;charset=utf-8",
	NQuads:  "application/n-quads",
}

// RDFExtMap gives the filename extension of pre-provisioned example files.
var RDFExtMap = map[RDFType]string{
	Turtle:  "ttl",
	NTriple: "nt",
	NQuads:  "nq",
	RDFXML:  "rdf",
	JSONLD:  "jsonld",
	N3:      "n3",
}

// rdfExampleFile is the name under which an example file of the given
// format is provisioned in every pod.
func rdfExampleFile(t RDFType) string {
	return fmt.Sprintf("rdf_example_%s.%s", t, RDFExtMap[t])
}
