package main

import (
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaymesh/llmgate/config"
	"github.com/relaymesh/llmgate/llm/keychecker"
	"github.com/relaymesh/llmgate/llm/keypool"
	"github.com/relaymesh/llmgate/llm/providers"
	"github.com/relaymesh/llmgate/llm/providers/anthropic"
	"github.com/relaymesh/llmgate/llm/providers/aws"
	"github.com/relaymesh/llmgate/llm/providers/azure"
	"github.com/relaymesh/llmgate/llm/providers/googleai"
	"github.com/relaymesh/llmgate/llm/providers/mistral"
	"github.com/relaymesh/llmgate/llm/providers/openai"
	"github.com/relaymesh/llmgate/types"
)

// bootstrapKeys parses every envelope in cfg.Providers into types.Key
// values (comma-separated bare keys for most providers, AWS
// accessKey:secretKey:region triples, the Azure
// resourceName:deploymentId:apiKey tuple) and registers one keypool.Pool
// per service with the aggregate. A service whose envelope is empty gets
// no pool and is simply unavailable — Aggregate.Get/GetFamily report
// NoKeysAvailable for it exactly like an exhausted pool would.
func bootstrapKeys(cfg config.ProvidersConfig, db *gorm.DB, logger *zap.Logger) *keypool.Aggregate {
	agg := keypool.NewAggregate()

	add := func(service types.Service, families []types.ModelFamily, keys []*types.Key) {
		if len(keys) == 0 {
			return
		}
		var persist keypool.Persister
		if db != nil {
			persist = &keypool.GormPersister{DB: db}
		}
		pool := keypool.New(service, persist, logger)
		for _, k := range keys {
			for _, f := range families {
				k.ModelFamilies[f] = struct{}{}
			}
			pool.Add(k)
		}
		agg.Register(pool)
	}

	add(types.ServiceOpenAI,
		[]types.ModelFamily{types.FamilyTurbo, types.FamilyGPT4, types.FamilyGPT4_32k, types.FamilyGPT4Turbo, types.FamilyDallE},
		parseBareKeys(types.ServiceOpenAI, cfg.OpenAIKey))
	add(types.ServiceAnthropic,
		[]types.ModelFamily{types.FamilyClaude},
		parseBareKeys(types.ServiceAnthropic, cfg.AnthropicKey))
	add(types.ServiceGoogleAI,
		[]types.ModelFamily{types.FamilyGeminiPro},
		parseBareKeys(types.ServiceGoogleAI, cfg.GoogleAIKey))
	add(types.ServiceMistralAI,
		[]types.ModelFamily{types.FamilyMistralTiny, types.FamilyMistralSm, types.FamilyMistralMed},
		parseBareKeys(types.ServiceMistralAI, cfg.MistralAIKey))
	add(types.ServiceAWS,
		[]types.ModelFamily{types.FamilyAWSClaude},
		parseAWSKeys(cfg.AWSCredentials))
	add(types.ServiceAzure,
		[]types.ModelFamily{types.FamilyAzureTurbo, types.FamilyAzureGPT4, types.FamilyAzureGPT432, types.FamilyAzureGPT4T},
		parseAzureKeys(cfg.AzureCredentials))

	return agg
}

// keySalt salts every NewKey hash so two deployments never collide on the
// same short hex identity even if they happen to share a credential.
const keySalt = "llmgate-key-pool"

func parseBareKeys(service types.Service, envelope string) []*types.Key {
	var out []*types.Key
	for _, raw := range splitEnvelope(envelope) {
		out = append(out, types.NewKey(service, raw, keySalt))
	}
	return out
}

// parseAWSKeys parses the AWS_CREDENTIALS envelope's comma-separated
// accessKey:secretKey:region triples. The access key is the credential
// identity NewKey hashes (the secret half lives in AWS.SecretKey); a
// triple that doesn't split into exactly three parts is skipped.
func parseAWSKeys(envelope string) []*types.Key {
	var out []*types.Key
	for _, raw := range splitEnvelope(envelope) {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 {
			continue
		}
		k := types.NewKey(types.ServiceAWS, parts[0], keySalt)
		k.AWS.SecretKey = parts[1]
		k.AWS.Region = parts[2]
		out = append(out, k)
	}
	return out
}

// parseAzureKeys parses the AZURE_CREDENTIALS envelope's comma-separated
// resourceName:deploymentId:apiKey tuples.
func parseAzureKeys(envelope string) []*types.Key {
	var out []*types.Key
	for _, raw := range splitEnvelope(envelope) {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 {
			continue
		}
		k := types.NewKey(types.ServiceAzure, parts[2], keySalt)
		k.Azure.ResourceName = parts[0]
		k.Azure.DeploymentID = parts[1]
		out = append(out, k)
	}
	return out
}

func splitEnvelope(envelope string) []string {
	var out []string
	for _, raw := range strings.Split(envelope, ",") {
		raw = strings.TrimSpace(raw)
		if raw != "" {
			out = append(out, raw)
		}
	}
	return out
}

// bootstrapRegistry wires one llm/providers client per service with a
// pool into the dispatch registry, so ingress never switches on
// types.Service itself.
func bootstrapRegistry(agg *keypool.Aggregate) *providers.Registry {
	reg := providers.NewRegistry()
	for _, service := range agg.Services() {
		switch service {
		case types.ServiceOpenAI:
			reg.Register(service, openai.New(""))
		case types.ServiceAnthropic:
			reg.Register(service, anthropic.New(""))
		case types.ServiceMistralAI:
			reg.Register(service, mistral.New(""))
		case types.ServiceAWS:
			reg.Register(service, aws.New())
		case types.ServiceAzure:
			reg.Register(service, azure.New())
		case types.ServiceGoogleAI:
			reg.Register(service, googleai.New())
		}
	}
	return reg
}

// bootstrapCheckers builds one keychecker.Checker per service with a
// pool, wired with an UpdateFunc callback into that pool rather than a
// pool reference, avoiding a cyclic dependency between the checker and
// the pool it updates.
func bootstrapCheckers(agg *keypool.Aggregate, logger *zap.Logger) []*keychecker.Checker {
	var checkers []*keychecker.Checker
	for _, service := range agg.Services() {
		pool, ok := agg.Pool(service)
		if !ok {
			continue
		}
		var prober keychecker.Prober
		switch service {
		case types.ServiceOpenAI:
			prober = openai.New("")
		case types.ServiceAnthropic:
			prober = anthropic.New("")
		case types.ServiceMistralAI:
			prober = mistral.New("")
		case types.ServiceAWS:
			prober = aws.New()
		case types.ServiceAzure:
			prober = azure.New()
		case types.ServiceGoogleAI:
			prober = googleai.New()
		default:
			continue
		}
		update := func(hash string, mutate func(*types.Key)) error {
			return pool.UpdateKey(hash, mutate)
		}
		checkers = append(checkers, keychecker.NewDefault(service, pool.Snapshot, pool.AnyUnchecked, update, prober, logger))
	}
	return checkers
}
