// Package container defines the atomic unit of stored knowledge and the
// methodology instruction graph it can carry.
//
// A Container is either a taxonomy node (modality/category/subcategory), a
// methodology, a blueprint, or a capability descriptor. Containers form a
// tree through ParentID and carry named embedding vectors for semantic
// retrieval. Methodology containers hold a typed, load-time-validated
// instruction graph instead of imperative code.
package container
