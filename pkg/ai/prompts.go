package ai

// DefaultEntityTypes are used for extraction when none are configured.
var DefaultEntityTypes = []string{"ORGANIZATION", "PERSON", "LOCATION", "EVENT", "CONCEPT"}

const ExtractPrompt = `
# Task Context
You are tasked with extracting **structured entity and relationship information** from the provided text, including any time information attached to it.

# Background Data
- **Entity_types:** [%s]
- **Document_title:** [%s]

# Detailed Task Description & Rules
## Entity Extraction
1. Identify all entities of the specified types.
2. For each entity, extract:
    - **entity_name:** The name of the entity, written in **ALL CAPITAL LETTERS**.
    - **entity_type:** One of the provided types.
    - **entity_description:** A comprehensive description of the attributes, roles and activities of the entity stated in the text.
    - **start_time / end_time:** The period the description applies to, if the text states one. Use "YYYY", "YYYY-MM" or "YYYY-MM-DD". Leave empty otherwise.

## Relationship Extraction
1. From the identified entities, determine all clear relationships between pairs of entities.
2. For each relationship, extract:
   - **source_entity:** name of the source entity.
   - **target_entity:** name of the target entity.
   - **relationship_description:** how and why the entities are related, based strictly on the text.
   - **relationship_keywords:** a few comma separated keywords summarizing the relationship.
   - **relationship_strength:** a numeric score (0.0–1.0) indicating the strength of the relationship.
   - **start_time / end_time:** as for entities.

# Examples
**Entity_types:** ORGANIZATION, PERSON
**Document_title:** “Central Institution Policy”
**Text:**
In March 2021 Martin Smith became Chair of the Verdantis Central Institution, a role he held until 2023.

**Output:**
{
  "entities": [
    {
      "entity_name": "VERDANTIS CENTRAL INSTITUTION",
      "entity_type": "ORGANIZATION",
      "entity_description": "The Verdantis Central Institution is an organization chaired by Martin Smith from March 2021 to 2023.",
      "start_time": "",
      "end_time": ""
    },
    {
      "entity_name": "MARTIN SMITH",
      "entity_type": "PERSON",
      "entity_description": "Martin Smith was Chair of the Verdantis Central Institution.",
      "start_time": "2021-03",
      "end_time": "2023"
    }
  ],
  "relationships": [
    {
      "source_entity": "MARTIN SMITH",
      "target_entity": "VERDANTIS CENTRAL INSTITUTION",
      "relationship_description": "Martin Smith served as the Chair of the Verdantis Central Institution.",
      "relationship_keywords": "leadership, chair",
      "relationship_strength": 0.9,
      "start_time": "2021-03",
      "end_time": "2023"
    }
  ]
}

# Output Formatting
The output must be a single valid JSON object with the keys "entities" and "relationships".
Do not include any commentary, explanations, or text outside of the JSON.
Always return valid JSON, even if nothing is found (use empty arrays in that case).

# Text
%s
`

const CommunityReportPrompt = `
# Task Context
You are an analyst writing a report about one community of a knowledge graph. A community is a group of closely related entities and the relationships between them.

# Background Data
## Entities
id,entity,type,description,degree
%s

## Relationships
id,source,target,description,degree
%s

## Source excerpts
%s

# Detailed Task Description & Rules
- Base every statement on the data above. Do not invent information.
- "title" is a short, specific name for the community that mentions its key entities.
- "summary" is an executive summary of the structure of the community and how its entities relate.
- "rating" is a float between 0 and 10 describing the impact of the community.
- "rating_explanation" is a single sentence explaining the rating.
- "findings" lists between 3 and 10 key insights, each with a short "summary" and a longer "explanation".

# Output Formatting
Return a single valid JSON object:
{
  "title": "string",
  "summary": "string",
  "rating": 0.0,
  "rating_explanation": "string",
  "findings": [
    {"summary": "string", "explanation": "string"}
  ]
}
Do not include any text outside of the JSON.
`

// CorrectionPrompt follows a malformed structured response.
const CorrectionPrompt = `
Your previous answer could not be parsed: %s

Answer again with only a single valid JSON object that follows the requested format exactly. Do not wrap it in code fences and do not add any text outside of the JSON.
`

const QueryPrompt = `
# Task Context
You are a helpful assistant answering questions using only the data tables provided below.

# Background Data
## Sources
%s

# Detailed Task Description & Rules
- Answer using only the sources above. Do not add information that is not present in them.
- Each source starts with a header naming its document title, document id and chunk id. Cite the document title when you use a source.
- If sources contradict each other, present all versions and say that they are contradictory.
- If the sources do not contain the answer, say that you don't know.

# Output Formatting
- Target response length and format: %s
- Format the answer in Markdown.
- Respond in the same language as the question.
`

// NoRelevantInfoAnswer is returned when retrieval finds nothing to answer from.
const NoRelevantInfoAnswer = "Sorry, I'm not able to provide an answer to that question."
