package domain

import (
	"github.com/varianteffect/mavedb-worker/internal/domain/jobs"
	"github.com/varianteffect/mavedb-worker/internal/domain/mapping"
)

type (
	JobRun        = jobs.JobRun
	Pipeline      = jobs.Pipeline
	JobDependency = jobs.JobDependency

	JobStatus       = jobs.JobStatus
	PipelineStatus  = jobs.PipelineStatus
	DependencyType  = jobs.DependencyType
	FailureCategory = jobs.FailureCategory

	ScoreSet          = mapping.ScoreSet
	TargetGene        = mapping.TargetGene
	Variant           = mapping.Variant
	MappedVariant     = mapping.MappedVariant
	ClinicalControl   = mapping.ClinicalControl
	VariantAnnotation = mapping.VariantAnnotation
	AnnotationType    = mapping.AnnotationType
	AnnotationStatus  = mapping.AnnotationStatus
	AnnotationLayer   = mapping.AnnotationLayer
)

const (
	JobPending   = jobs.JobPending
	JobQueued    = jobs.JobQueued
	JobRunning   = jobs.JobRunning
	JobSucceeded = jobs.JobSucceeded
	JobFailed    = jobs.JobFailed
	JobCancelled = jobs.JobCancelled
	JobSkipped   = jobs.JobSkipped

	PipelineCreated   = jobs.PipelineCreated
	PipelineRunning   = jobs.PipelineRunning
	PipelinePaused    = jobs.PipelinePaused
	PipelineSucceeded = jobs.PipelineSucceeded
	PipelinePartial   = jobs.PipelinePartial
	PipelineFailed    = jobs.PipelineFailed
	PipelineCancelled = jobs.PipelineCancelled

	SuccessRequired    = jobs.SuccessRequired
	CompletionRequired = jobs.CompletionRequired

	FailureNetworkError       = jobs.FailureNetworkError
	FailureTimeout            = jobs.FailureTimeout
	FailureServiceUnavailable = jobs.FailureServiceUnavailable
	FailureValidationError    = jobs.FailureValidationError
	FailureUnknown            = jobs.FailureUnknown

	ProcessingProcessing = mapping.ProcessingProcessing
	ProcessingSuccess    = mapping.ProcessingSuccess
	ProcessingFailed     = mapping.ProcessingFailed

	MappingNotAttempted = mapping.MappingNotAttempted
	MappingQueued       = mapping.MappingQueued
	MappingProcessing   = mapping.MappingProcessing
	MappingComplete     = mapping.MappingComplete
	MappingIncomplete   = mapping.MappingIncomplete
	MappingFailed       = mapping.MappingFailed

	AnnotationClinVarControl = mapping.AnnotationClinVarControl
	AnnotationUniProtMapping = mapping.AnnotationUniProtMapping
	AnnotationGnomADLinkage  = mapping.AnnotationGnomADLinkage
	AnnotationClinGenLinkage = mapping.AnnotationClinGenLinkage

	AnnotationSuccess = mapping.AnnotationSuccess
	AnnotationFailed  = mapping.AnnotationFailed
	AnnotationSkipped = mapping.AnnotationSkipped

	AnnotationFailureMissingClinGenAlleleID      = mapping.AnnotationFailureMissingClinGenAlleleID
	AnnotationFailureMultiVariantClinGenAlleleID = mapping.AnnotationFailureMultiVariantClinGenAlleleID
	AnnotationFailureClinGenAPIError             = mapping.AnnotationFailureClinGenAPIError
	AnnotationFailureNoClinVarAlleleID           = mapping.AnnotationFailureNoClinVarAlleleID
	AnnotationFailureNoClinVarVariantData        = mapping.AnnotationFailureNoClinVarVariantData

	LayerGenomic = mapping.LayerGenomic
	LayerCDNA    = mapping.LayerCDNA
	LayerProtein = mapping.LayerProtein
)
